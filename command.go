package amppool

import "reflect"

// Field names one argument or response member and its kind. Schemas
// are documentation/validation metadata only; encoding is the rpc
// codec's job, not the Command's.
type Field struct {
	Name string
	Kind reflect.Kind
}

// Schema is an ordered set of Fields.
type Schema []Field

// Command is an immutable descriptor identifying a remote operation:
// a wire name, an argument schema, and a response schema.
type Command struct {
	Name  string
	Args  Schema
	Reply Schema
}

// Echo is the control command every child is expected to understand:
// identity, used for liveness tests.
var Echo = Command{
	Name:  "Echo",
	Args:  Schema{{Name: "data", Kind: reflect.Slice}},
	Reply: Schema{{Name: "response", Kind: reflect.Slice}},
}

// Shutdown is the control command that instructs a child to terminate
// cleanly: close stdout and exit 0 once its response is delivered.
var Shutdown = Command{Name: "Shutdown"}
