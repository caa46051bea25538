package proc

import (
	"encoding/json"
	"io"
)

// Bootstrap is the single text line written to a child's stdin before
// the framed protocol begins: it names which handler the child
// process should instantiate and what arguments it was given, so one
// executable can serve more than one child class.
type Bootstrap struct {
	Class string   `json:"class"`
	Args  []string `json:"args,omitempty"`
}

func writeBootstrap(w io.Writer, b Bootstrap) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	body = append(body, '\n')
	_, err = w.Write(body)
	return err
}
