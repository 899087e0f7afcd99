// Package kfmt implements the kernel's formatted output. The implementation
// never allocates memory so it can be used from interrupt handlers and while
// the kernel heap is in an inconsistent state (e.g. when reporting heap
// corruption).
package kfmt

import (
	"io"
	"strconv"

	"gopherkern/kernel"
	"gopherkern/kernel/sync"
)

// outBufSize defines the size of the staging buffer used by Fprintf. Output
// is flushed to the writer whenever the buffer fills up.
const outBufSize = 128

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// out stages formatted output; numBuf holds a single formatted number.
	// Both are shared so access is serialized by masking interrupts.
	out    [outBufSize]byte
	outLen int
	numBuf [64]byte

	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the registered output sink or nil if Printf output
// is still being buffered.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf provides a minimal Printf implementation that never allocates memory.
//
// The following subset of the fmt.Printf verbs is supported:
//
// Strings:
//		%s the uninterpreted bytes of a string, byte slice or *kernel.Error
//		%c a single byte or rune (ASCII only)
//
// Integers:
//		%o base 8
//		%d base 10
//		%x base 16, with lower-case letters for a-f
//
// Booleans:
//		%t "true" or "false"
//
// Width is specified by an optional decimal number immediately preceding the
// verb. Strings and base-10 integers are left-padded with spaces while base-8
// and base-16 integers are left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	state := sync.Enter()
	defer sync.Exit(state)

	var (
		argIndex int
		padLen   int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			emitByte(w, format[i])
			continue
		}

		padLen = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			padLen = padLen*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			emit(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			emitByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't', 'c':
		default:
			emit(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			emit(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, padLen)
		case 'x':
			fmtInt(w, args[argIndex], 16, padLen)
		case 'o':
			fmtInt(w, args[argIndex], 8, padLen)
		case 's':
			fmtString(w, args[argIndex], padLen)
		case 't':
			fmtBool(w, args[argIndex])
		case 'c':
			fmtChar(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		emit(w, errExtraArg)
	}

	flush(w)
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		emit(w, errWrongArgType)
	case b:
		emit(w, trueValue)
	default:
		emit(w, falseValue)
	}
}

func fmtChar(w io.Writer, v interface{}) {
	switch ch := v.(type) {
	case byte:
		emitByte(w, ch)
	case rune:
		emitByte(w, byte(ch))
	default:
		emit(w, errWrongArgType)
	}
}

func fmtString(w io.Writer, v interface{}, padLen int) {
	var str string
	switch castedVal := v.(type) {
	case string:
		str = castedVal
	case []byte:
		fmtRepeat(w, ' ', padLen-len(castedVal))
		emit(w, castedVal)
		return
	case *kernel.Error:
		if castedVal == nil {
			str = "<nil>"
		} else {
			str = castedVal.Message
		}
	default:
		emit(w, errWrongArgType)
		return
	}

	fmtRepeat(w, ' ', padLen-len(str))
	for i := 0; i < len(str); i++ {
		emitByte(w, str[i])
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		emitByte(w, ch)
	}
}

// fmtInt prints out a formatted version of v in the requested base, applying
// the padding specified by padLen.
func fmtInt(w io.Writer, v interface{}, base, padLen int) {
	var num []byte

	switch castedVal := v.(type) {
	case uint8:
		num = strconv.AppendUint(numBuf[:0], uint64(castedVal), base)
	case uint16:
		num = strconv.AppendUint(numBuf[:0], uint64(castedVal), base)
	case uint32:
		num = strconv.AppendUint(numBuf[:0], uint64(castedVal), base)
	case uint64:
		num = strconv.AppendUint(numBuf[:0], castedVal, base)
	case uint:
		num = strconv.AppendUint(numBuf[:0], uint64(castedVal), base)
	case uintptr:
		num = strconv.AppendUint(numBuf[:0], uint64(castedVal), base)
	case int8:
		num = strconv.AppendInt(numBuf[:0], int64(castedVal), base)
	case int16:
		num = strconv.AppendInt(numBuf[:0], int64(castedVal), base)
	case int32:
		num = strconv.AppendInt(numBuf[:0], int64(castedVal), base)
	case int64:
		num = strconv.AppendInt(numBuf[:0], castedVal, base)
	case int:
		num = strconv.AppendInt(numBuf[:0], int64(castedVal), base)
	default:
		emit(w, errWrongArgType)
		return
	}

	if base == 10 {
		fmtRepeat(w, ' ', padLen-len(num))
		emit(w, num)
		return
	}

	// Zero padding goes between the sign and the digits
	if len(num) > 0 && num[0] == '-' {
		emitByte(w, '-')
		num = num[1:]
		padLen--
	}
	fmtRepeat(w, '0', padLen-len(num))
	emit(w, num)
}

func emitByte(w io.Writer, b byte) {
	if outLen == outBufSize {
		flush(w)
	}
	out[outLen] = b
	outLen++
}

func emit(w io.Writer, p []byte) {
	for _, b := range p {
		emitByte(w, b)
	}
}

// flush sends any staged output to w or to the early print buffer if w is nil.
func flush(w io.Writer) {
	if outLen == 0 {
		return
	}

	if w != nil {
		_, _ = w.Write(out[:outLen])
	} else {
		_, _ = earlyPrintBuffer.Write(out[:outLen])
	}
	outLen = 0
}
