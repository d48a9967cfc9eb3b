// Package protocol implements the line-oriented command protocol spoken to the child
// process's stdin.
//
// Frame format: one UTF-8 command followed by a single '\n'. There is no header, no length
// prefix and no response. A command therefore must never contain a line terminator of its
// own; handler text that may contain newlines is escaped by the builders below.
//
//	say pong\n
//	function my:cb {"result":5}\n
//	tellraw @a "\n[Client]\nhi\n\n[Server]\nhello"\n
package protocol

import (
	"errors"
	"io"
	"strings"
)

const Terminator = '\n'

var (
	ErrEmpty     = errors.New("protocol: empty command")
	ErrMultiline = errors.New("protocol: command contains a line terminator")
)

// Encode writes command plus the terminator to w in a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise commands from different handlers can interleave mid-line.
func Encode(w io.Writer, command string) error {
	if command == "" {
		return ErrEmpty
	}
	if strings.ContainsAny(command, "\r\n") {
		return ErrMultiline
	}
	buf := make([]byte, 0, len(command)+1)
	buf = append(buf, command...)
	buf = append(buf, Terminator)
	_, err := w.Write(buf)
	return err
}

// Say broadcasts text to every player.
func Say(text string) string {
	return "say " + flatten(text)
}

// Tellraw sends lines to target as a single JSON text component. Lines are joined with the
// escaped sequence \n so the whole command stays on one protocol line.
func Tellraw(target string, lines []string) string {
	escaped := make([]string, len(lines))
	for i, line := range lines {
		escaped[i] = escapeQuoted(line)
	}
	return `tellraw ` + target + ` "` + strings.Join(escaped, `\n`) + `"`
}

// Function invokes a datapack function with a macro payload.
func Function(id string, payload []byte) string {
	return "function " + id + " " + string(payload)
}

var quotedEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\r", "",
	"\n", `\n`,
)

func escapeQuoted(s string) string {
	return quotedEscaper.Replace(s)
}

var flattener = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func flatten(s string) string {
	return flattener.Replace(s)
}
