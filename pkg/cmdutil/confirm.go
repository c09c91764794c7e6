package cmdutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Confirm asks on the terminal whether to go ahead with an operation that
// destroys data on device. The answer must be the device path itself. It
// refuses without asking when standard input is not a terminal.
func Confirm(device, what string) (bool, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return false, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return false, fmt.Errorf("terminal could not be set up: %v", err)
	}
	defer term.Restore(fd, state)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "")
	fmt.Fprintf(t, "%s overwrites data on %s.\r\n", what, device)
	t.SetPrompt("Enter the device path to continue: ")
	line, err := t.ReadLine()
	if err == io.EOF {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("answer could not be read: %v", err)
	}
	return strings.TrimSpace(line) == device, nil
}
