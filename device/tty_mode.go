package device

// TTY mode bits stored in each process's tty_mode word and exchanged via the
// TTY ioctls.
const (
	// TTYModeCanon enables canonical (line-edited) input.
	TTYModeCanon = uint32(1)

	// TTYModeEcho echoes input characters back to the terminal.
	TTYModeEcho = uint32(2)
)

// TTY ioctl commands.
const (
	TTYSetMode = uint32(1)
	TTYGetMode = uint32(2)
)
