// Package kfmt provides a minimal, allocation-free Printf implementation
// that can be used before the Go runtime is fully initialized as well as
// from interrupt context.
package kfmt

import "io"

// maxNumBufSize is large enough to format a 32-bit value in base 8.
const maxNumBufSize = 16

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numFmtBuf [maxNumBufSize]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte{' '}

	// earlyPrintBuffer buffers Printf output generated before a sink (the
	// serial console) has been registered.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While
	// nil, output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and drains any data
// accumulated in the early print buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently registered output sink (nil while
// output is still buffered).
func GetOutputSink() io.Writer {
	return outputSink
}

// Fprintf formats like Printf but sends the output to w instead of the
// registered sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	saved := outputSink
	outputSink = w
	Printf(format, args...)
	outputSink = saved
}

// Printf formats its arguments and writes the result to the registered output
// sink. It understands a subset of the fmt verbs: %s (string, []byte), %c
// (byte), %t (bool), %d, %o, %x (all built-in integer types) and does not
// allocate. An optional decimal width before the verb left-pads base-10
// values with spaces and base-16 values with zeroes.
//
// Pointer formatting (%p) is intentionally unsupported; it would pull in the
// reflect package whose itable setup calls the allocator which must remain
// usable from contexts where the allocator is off-limits.
func Printf(format string, args ...interface{}) {
	var (
		nextArg  int
		blockEnd int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}

		doWriteString(format[blockEnd:i])

		// Scan optional padding width
		padWidth := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			padWidth = padWidth*10 + int(format[i]-'0')
		}

		if i >= len(format) {
			doWrite(errNoVerb)
			return
		}

		if nextArg >= len(args) {
			doWrite(errMissingArg)
			blockEnd = i + 1
			continue
		}

		switch format[i] {
		case 's':
			fmtString(args[nextArg], padWidth)
		case 'c':
			fmtChar(args[nextArg])
		case 't':
			fmtBool(args[nextArg])
		case 'o':
			fmtInt(args[nextArg], 8, padWidth)
		case 'd':
			fmtInt(args[nextArg], 10, padWidth)
		case 'x':
			fmtInt(args[nextArg], 16, padWidth)
		default:
			doWrite(errNoVerb)
		}
		nextArg++
		blockEnd = i + 1
	}

	if blockEnd < len(format) {
		doWriteString(format[blockEnd:])
	}

	if nextArg < len(args) {
		doWrite(errExtraArg)
	}
}

func doWrite(p []byte) {
	if outputSink != nil {
		outputSink.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

func doWriteString(s string) {
	for i := 0; i < len(s); i++ {
		singleByte[0] = s[i]
		doWrite(singleByte)
	}
}

func fmtString(arg interface{}, padWidth int) {
	switch v := arg.(type) {
	case string:
		for i := len(v); i < padWidth; i++ {
			singleByte[0] = ' '
			doWrite(singleByte)
		}
		doWriteString(v)
	case []byte:
		for i := len(v); i < padWidth; i++ {
			singleByte[0] = ' '
			doWrite(singleByte)
		}
		doWrite(v)
	default:
		doWrite(errWrongArgType)
	}
}

func fmtChar(arg interface{}) {
	switch v := arg.(type) {
	case byte:
		singleByte[0] = v
		doWrite(singleByte)
	case rune:
		singleByte[0] = byte(v)
		doWrite(singleByte)
	default:
		doWrite(errWrongArgType)
	}
}

func fmtBool(arg interface{}) {
	switch v := arg.(type) {
	case bool:
		if v {
			doWrite(trueValue)
		} else {
			doWrite(falseValue)
		}
	default:
		doWrite(errWrongArgType)
	}
}

func fmtInt(arg interface{}, base, padWidth int) {
	switch v := arg.(type) {
	case uint8:
		fmtUint(uint64(v), base, padWidth)
	case uint16:
		fmtUint(uint64(v), base, padWidth)
	case uint32:
		fmtUint(uint64(v), base, padWidth)
	case uint64:
		fmtUint(v, base, padWidth)
	case uint:
		fmtUint(uint64(v), base, padWidth)
	case uintptr:
		fmtUint(uint64(v), base, padWidth)
	case int8:
		fmtSint(int64(v), base, padWidth)
	case int16:
		fmtSint(int64(v), base, padWidth)
	case int32:
		fmtSint(int64(v), base, padWidth)
	case int64:
		fmtSint(v, base, padWidth)
	case int:
		fmtSint(int64(v), base, padWidth)
	default:
		doWrite(errWrongArgType)
	}
}

func fmtSint(v int64, base, padWidth int) {
	if v < 0 {
		singleByte[0] = '-'
		doWrite(singleByte)
		v = -v
		if padWidth > 0 {
			padWidth--
		}
	}
	fmtUint(uint64(v), base, padWidth)
}

// fmtUint formats v in the requested base into numFmtBuf and flushes it to
// the output sink. Base-16 values are padded with zeroes, everything else
// with spaces.
func fmtUint(v uint64, base, padWidth int) {
	if padWidth > maxNumBufSize {
		padWidth = maxNumBufSize
	}

	padChar := byte(' ')
	if base == 16 {
		padChar = '0'
	}

	index := maxNumBufSize - 1
	for {
		d := byte(v % uint64(base))
		if d < 10 {
			numFmtBuf[index] = '0' + d
		} else {
			numFmtBuf[index] = 'a' + d - 10
		}
		v /= uint64(base)
		index--
		if v == 0 {
			break
		}
	}

	for digits := maxNumBufSize - 1 - index; digits < padWidth; digits++ {
		numFmtBuf[index] = padChar
		index--
	}

	doWrite(numFmtBuf[index+1:])
}
