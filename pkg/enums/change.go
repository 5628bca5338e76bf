package enums

// ChangeOp names the row-level operations the change feed emits.
type ChangeOp string

const (
	ChangeOpInsert ChangeOp = "INSERT"
	ChangeOpUpdate ChangeOp = "UPDATE"
)

func (c ChangeOp) IsValid() bool {
	return c == ChangeOpInsert || c == ChangeOpUpdate
}
