package wsconn

import "strconv"

// StatusCode is a close status code as defined in RFC 6455 section 7.4.
// Codes are passed through opaquely; any integer is accepted.
type StatusCode int

// Standard close status codes.
const (
	StatusNormalClosure           StatusCode = 1000
	StatusGoingAway               StatusCode = 1001
	StatusProtocolError           StatusCode = 1002
	StatusUnsupportedData         StatusCode = 1003
	StatusReserved                StatusCode = 1004
	StatusNoStatusRcvd            StatusCode = 1005
	StatusAbnormalClosure         StatusCode = 1006
	StatusInvalidFramePayloadData StatusCode = 1007
	StatusPolicyViolation         StatusCode = 1008
	StatusMessageTooBig           StatusCode = 1009
	StatusMandatoryExtension      StatusCode = 1010
	StatusInternalError           StatusCode = 1011
	StatusServiceRestart          StatusCode = 1012
	StatusTryAgainLater           StatusCode = 1013
	StatusBadGateway              StatusCode = 1014
	StatusTLSHandshake            StatusCode = 1015
)

var statusNames = map[StatusCode]string{
	StatusNormalClosure:           "normal closure",
	StatusGoingAway:               "going away",
	StatusProtocolError:           "protocol error",
	StatusUnsupportedData:         "unsupported data",
	StatusReserved:                "reserved",
	StatusNoStatusRcvd:            "no status received",
	StatusAbnormalClosure:         "abnormal closure",
	StatusInvalidFramePayloadData: "invalid frame payload data",
	StatusPolicyViolation:         "policy violation",
	StatusMessageTooBig:           "message too big",
	StatusMandatoryExtension:      "mandatory extension",
	StatusInternalError:           "internal error",
	StatusServiceRestart:          "service restart",
	StatusTryAgainLater:           "try again later",
	StatusBadGateway:              "bad gateway",
	StatusTLSHandshake:            "TLS handshake",
}

// String returns the symbolic name of the code, or the number for codes
// outside the standard table.
func (c StatusCode) String() string {
	if name, ok := statusNames[c]; ok {
		return name
	}
	return "status " + strconv.Itoa(int(c))
}

// Known reports whether c is one of the standard codes.
func (c StatusCode) Known() bool {
	_, ok := statusNames[c]
	return ok
}

// StatusCodes returns the standard codes in ascending order.
func StatusCodes() []StatusCode {
	codes := make([]StatusCode, 0, len(statusNames))
	for c := StatusNormalClosure; c <= StatusTLSHandshake; c++ {
		if _, ok := statusNames[c]; ok {
			codes = append(codes, c)
		}
	}
	return codes
}
