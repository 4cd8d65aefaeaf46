package protocol

const tagStartFileServer = "req_start_ftp"

// StartFileServerRequest asks the device to start its built-in FTP server
type StartFileServerRequest struct{}

func (StartFileServerRequest) Kind() Kind     { return KindStartFileServerRequest }
func (StartFileServerRequest) Encode() []byte { return []byte(tagStartFileServer) }

// ParseStartFileServerRequest matches the exact request literal
func ParseStartFileServerRequest(buf []byte) (StartFileServerRequest, bool) {
	return StartFileServerRequest{}, TrimLine(buf) == tagStartFileServer
}

// OKResponse is the generic positive acknowledgement
type OKResponse struct{}

func (OKResponse) Kind() Kind     { return KindOKResponse }
func (OKResponse) Encode() []byte { return []byte(KindOKResponse.String()) }

// ParseOKResponse matches "resp:OK" exactly
func ParseOKResponse(buf []byte) (OKResponse, bool) {
	return OKResponse{}, TrimLine(buf) == KindOKResponse.String()
}

// ErrorResponse is the generic negative acknowledgement
type ErrorResponse struct{}

func (ErrorResponse) Kind() Kind     { return KindErrorResponse }
func (ErrorResponse) Encode() []byte { return []byte(KindErrorResponse.String()) }

// ParseErrorResponse matches "resp:ERROR" exactly
func ParseErrorResponse(buf []byte) (ErrorResponse, bool) {
	return ErrorResponse{}, TrimLine(buf) == KindErrorResponse.String()
}

// IsAck reports whether buf is "resp:OK"
func IsAck(buf []byte) bool {
	return TrimLine(buf) == KindOKResponse.String()
}
