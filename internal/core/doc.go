// Package core holds the entity-kind metadata shared by the repository, file
// processing and job layers. It has no storage or transport dependencies and
// can be used by the web handlers, the CLI, or tests without modification.
//
// # Entity Kinds
//
// Each entity kind is described by a [Descriptor]: its field specs, natural
// key, unique sets and table name. Descriptors are registered in a
// [Registry] keyed by kind, so every layer resolves "product" to the same
// metadata:
//
//	reg := core.NewRegistry[repository.Binding]()
//	reg.Register(repos.Products)
//	b, err := reg.Get("product") // ErrUnknownKind when absent
//
// # Rows
//
// CSV cells are cleaned with [CleanCell] and converted by [ParseCell]
// according to the field's [FieldType]. [ValidateHeaders] maps a header row to
// field positions and [RowValidator] turns one row into a [Record], or into a
// [ValidationError] whose Message names the first failing field:
//
//	"missing price"
//	"price must be >= 0"
//
// # Error Handling
//
// Sentinel errors ([ErrNotFound], [ErrConflict], [ErrUnknownKind],
// [ErrInvalidFilter]) are wrapped with context and matched with errors.Is.
// Faults that may clear on retry are wrapped by [Transient] and detected with
// [IsTransient].
//
// Technical errors are mapped to user-facing messages by [MapError]. Each
// category has a stable code for support reference:
//
//   - ENT001-ENT004: Entity errors (not found, conflict, unknown kind, bad filter)
//   - VAL001: Validation errors
//   - STO001: Transient storage errors
//   - FILE001-FILE003: File errors (missing upload, size, header or format)
//   - UPL001: Upload slots exhausted
package core
