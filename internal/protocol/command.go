package protocol

import (
	"strconv"
	"strings"
	"unicode"
)

// Client commands.
const (
	CmdHello        = "HELLO"
	CmdBeginBatch   = "BEGIN_BATCH"
	CmdPhoto        = "PHOTO"
	CmdDataTransfer = "DATA_TRANSFER"
	CmdBatchCheck   = "BATCH_CHECK"
	CmdBatchEnd     = "BATCH_END"
	CmdEndSession   = "END_SESSION"
)

// Server responses.
const (
	RespSessionStart = "SESSION_START"
	RespAck          = "ACK"
	RespSend         = "SEND"
	RespSkip         = "SKIP"
	RespBatchResult  = "BATCH_RESULT"
	RespError        = "ERROR"
)

// Hello opens a session. The token is omitted when empty.
func Hello(deviceID, token string) string {
	if token == "" {
		return line(CmdHello, Token(deviceID))
	}

	return line(CmdHello, Token(deviceID), Token(token))
}

// BeginBatch announces a batch of size items.
func BeginBatch(size int) string {
	return line(CmdBeginBatch, strconv.Itoa(size))
}

// Photo announces one item. The server splits on spaces, so filename is
// passed through Token.
func Photo(filename string, size int64, hash string) string {
	return line(CmdPhoto, Token(filename), strconv.FormatInt(size, 10), Token(hash))
}

// DataTransfer announces size raw bytes following as FILE_CHUNK frames.
func DataTransfer(size int64) string {
	return line(CmdDataTransfer, strconv.FormatInt(size, 10))
}

// BatchCheck announces a METADATA frame carrying count hashes.
func BatchCheck(count int) string {
	return line(CmdBatchCheck, strconv.Itoa(count))
}

// BatchEnd closes the current batch.
func BatchEnd() string {
	return line(CmdBatchEnd)
}

// EndSession closes the session.
func EndSession() string {
	return line(CmdEndSession)
}

func line(parts ...string) string {
	return strings.Join(parts, " ") + "\n"
}

// Token makes s safe to send as a single space-delimited argument by
// replacing whitespace and control characters with underscores. An empty
// string becomes "_".
func Token(s string) string {
	if s == "" {
		return "_"
	}

	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return '_'
		}

		return r
	}, s)
}
