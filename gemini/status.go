package gemini

// Status codes defined by the Gemini protocol.
const (
	StatusInput          = 10
	StatusSensitiveInput = 11

	StatusSuccess = 20

	StatusRedirectTemporary = 30
	StatusRedirectPermanent = 31

	StatusTemporaryFailure  = 40
	StatusServerUnavailable = 41
	StatusCGIError          = 42
	StatusProxyError        = 43
	StatusSlowDown          = 44

	StatusPermanentFailure    = 50
	StatusNotFound            = 51
	StatusGone                = 52
	StatusProxyRequestRefused = 53
	StatusBadRequest          = 59

	StatusCertificateRequired      = 60
	StatusCertificateNotAuthorized = 61
	StatusCertificateNotValid      = 62
)

// Class is the first digit of a status code.
type Class int

const (
	ClassUnknown Class = iota
	ClassInput
	ClassSuccess
	ClassRedirect
	ClassTemporaryFailure
	ClassPermanentFailure
	ClassClientCertificate
)

// ClassOf returns the class of status.
func ClassOf(status int) Class {
	if status < 10 || status > 69 {
		return ClassUnknown
	}
	return Class(status / 10)
}

func (c Class) String() string {
	switch c {
	case ClassInput:
		return "input"
	case ClassSuccess:
		return "success"
	case ClassRedirect:
		return "redirect"
	case ClassTemporaryFailure:
		return "temporary_failure"
	case ClassPermanentFailure:
		return "permanent_failure"
	case ClassClientCertificate:
		return "client_certificate"
	default:
		return "unknown"
	}
}

var statusText = map[int]string{
	StatusInput:                    "Input",
	StatusSensitiveInput:           "Sensitive Input",
	StatusSuccess:                  "Success",
	StatusRedirectTemporary:        "Temporary Redirect",
	StatusRedirectPermanent:        "Permanent Redirect",
	StatusTemporaryFailure:         "Temporary Failure",
	StatusServerUnavailable:        "Server Unavailable",
	StatusCGIError:                 "CGI Error",
	StatusProxyError:               "Proxy Error",
	StatusSlowDown:                 "Slow Down",
	StatusPermanentFailure:         "Permanent Failure",
	StatusNotFound:                 "Not Found",
	StatusGone:                     "Gone",
	StatusProxyRequestRefused:      "Proxy Request Refused",
	StatusBadRequest:               "Bad Request",
	StatusCertificateRequired:      "Certificate Required",
	StatusCertificateNotAuthorized: "Certificate Not Authorized",
	StatusCertificateNotValid:      "Certificate Not Valid",
}

// StatusText returns a short description of status, or "" if unknown.
func StatusText(status int) string {
	return statusText[status]
}
