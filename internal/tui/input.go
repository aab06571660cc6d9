package tui

import (
	"bufio"
	"io"
	"unicode/utf8"
)

// Key represents a keyboard input.
type Key int

const (
	KeyUnknown Key = iota
	KeyEscape
	KeyEnter
	KeyCtrlC
	KeyCtrlD
	KeyRune
)

// KeyEvent represents a key press.
type KeyEvent struct {
	Key  Key
	Rune rune // only valid when Key == KeyRune
}

// KeyReader reads key presses from a raw terminal.
type KeyReader struct {
	reader *bufio.Reader
}

// NewKeyReader creates a KeyReader from r, typically a Terminal in raw mode.
func NewKeyReader(r io.Reader) *KeyReader {
	return &KeyReader{
		reader: bufio.NewReaderSize(r, 64),
	}
}

// ReadKey blocks until a key is pressed.
func (k *KeyReader) ReadKey() (KeyEvent, error) {
	b, err := k.reader.ReadByte()
	if err != nil {
		return KeyEvent{}, err
	}

	switch b {
	case 0x03:
		return KeyEvent{Key: KeyCtrlC}, nil
	case 0x04:
		return KeyEvent{Key: KeyCtrlD}, nil
	case '\r', '\n':
		return KeyEvent{Key: KeyEnter}, nil
	case 0x1B:
		return k.readEscape(), nil
	}

	if b >= 0x20 && b < 0x7F {
		return KeyEvent{Key: KeyRune, Rune: rune(b)}, nil
	}
	if b >= 0xC0 {
		return k.readUTF8(b)
	}
	return KeyEvent{Key: KeyUnknown}, nil
}

// readEscape distinguishes a lone escape from an arrow or function key
// sequence, which the dashboard ignores.
func (k *KeyReader) readEscape() KeyEvent {
	if k.reader.Buffered() == 0 {
		return KeyEvent{Key: KeyEscape}
	}
	next, err := k.reader.Peek(1)
	if err != nil || (next[0] != '[' && next[0] != 'O') {
		return KeyEvent{Key: KeyEscape}
	}

	k.reader.ReadByte()
	for k.reader.Buffered() > 0 {
		b, _ := k.reader.ReadByte()
		if (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '~' {
			break
		}
	}
	return KeyEvent{Key: KeyUnknown}
}

func (k *KeyReader) readUTF8(first byte) (KeyEvent, error) {
	var n int
	switch {
	case first&0xE0 == 0xC0:
		n = 2
	case first&0xF0 == 0xE0:
		n = 3
	case first&0xF8 == 0xF0:
		n = 4
	default:
		return KeyEvent{Key: KeyUnknown}, nil
	}

	buf := make([]byte, n)
	buf[0] = first
	if _, err := io.ReadFull(k.reader, buf[1:]); err != nil {
		return KeyEvent{Key: KeyUnknown}, err
	}

	r, _ := utf8.DecodeRune(buf)
	if r == utf8.RuneError {
		return KeyEvent{Key: KeyUnknown}, nil
	}
	return KeyEvent{Key: KeyRune, Rune: r}, nil
}

// Command is a dashboard action bound to a key.
type Command int

const (
	CommandNone       Command = iota
	CommandReconnect          // 'r'
	CommandDisconnect         // 'd'
	CommandClearError         // 'c'
	CommandQuit               // 'q', esc, ctrl+c, ctrl+d
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandReconnect:
		return "reconnect"
	case CommandDisconnect:
		return "disconnect"
	case CommandClearError:
		return "clear_error"
	case CommandQuit:
		return "quit"
	default:
		return "none"
	}
}

// ParseCommand maps a key press to a Command.
func ParseCommand(ev KeyEvent) Command {
	switch ev.Key {
	case KeyEscape, KeyCtrlC, KeyCtrlD:
		return CommandQuit
	case KeyRune:
		switch ev.Rune {
		case 'r', 'R':
			return CommandReconnect
		case 'd', 'D':
			return CommandDisconnect
		case 'c', 'C':
			return CommandClearError
		case 'q', 'Q':
			return CommandQuit
		}
	}
	return CommandNone
}
