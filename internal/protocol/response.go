package protocol

import (
	"strconv"
	"strings"
)

// Response is a parsed server control line. It is a closed set: every
// value is one of SessionStart, Ack, Send, Skip, BatchResult, Error or
// Unknown.
type Response interface {
	response()
}

// SessionStart acknowledges HELLO with the server-assigned session id.
type SessionStart struct {
	ID int64
}

// Ack confirms the previous command. Message carries any trailing text.
type Ack struct {
	Message string
}

// Send asks the client to upload the announced item. When HasOffset is
// set the server already holds Offset bytes and the upload resumes there.
type Send struct {
	Offset    int64
	HasOffset bool
}

// Skip tells the client the server already has the announced item.
type Skip struct{}

// BatchResult answers BATCH_CHECK with how many hashes the server holds.
type BatchResult struct {
	Count int
}

// Error reports a server-side failure for the previous command.
type Error struct {
	Message string
}

// Unknown carries any line that is not a recognised response, including
// recognised keywords with malformed arguments.
type Unknown struct {
	Raw string
}

func (SessionStart) response() {}
func (Ack) response()          {}
func (Send) response()         {}
func (Skip) response()         {}
func (BatchResult) response()  {}
func (Error) response()        {}
func (Unknown) response()      {}

// ParseResponse parses one server line. It never fails: anything it does
// not understand comes back as Unknown with the original text.
func ParseResponse(raw string) Response {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return Unknown{Raw: raw}
	}

	args := fields[1:]

	switch fields[0] {
	case RespSessionStart:
		if len(args) != 1 {
			return Unknown{Raw: raw}
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return Unknown{Raw: raw}
		}

		return SessionStart{ID: id}

	case RespAck:
		return Ack{Message: strings.Join(args, " ")}

	case RespSend:
		switch len(args) {
		case 0:
			return Send{}
		case 1:
			offset, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || offset < 0 {
				return Unknown{Raw: raw}
			}

			return Send{Offset: offset, HasOffset: true}
		default:
			return Unknown{Raw: raw}
		}

	case RespSkip:
		if len(args) != 0 {
			return Unknown{Raw: raw}
		}

		return Skip{}

	case RespBatchResult:
		if len(args) != 1 {
			return Unknown{Raw: raw}
		}

		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return Unknown{Raw: raw}
		}

		return BatchResult{Count: n}

	case RespError:
		return Error{Message: strings.Join(args, " ")}
	}

	return Unknown{Raw: raw}
}
