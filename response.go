package kestrel

import "fmt"

// SMTPCode is an SMTP reply code (RFC 5321).
type SMTPCode int

const (
	CodeServiceReady SMTPCode = 220
	CodeAuthSuccess  SMTPCode = 235
	CodeOK           SMTPCode = 250

	CodeServiceUnavailable  SMTPCode = 421
	CodeLocalError          SMTPCode = 451
	CodeInsufficientStorage SMTPCode = 452

	CodeSyntaxError       SMTPCode = 501
	CodeBadSequence       SMTPCode = 503
	CodeMailboxNotFound   SMTPCode = 550
	CodeExceededStorage   SMTPCode = 552
	CodeAuthFailed        SMTPCode = 535
	CodeTransactionFailed SMTPCode = 554
)

// EnhancedCode is an enhanced status code (RFC 3463), "class.subject.detail".
type EnhancedCode string

const (
	ESCSuccess        EnhancedCode = "2.0.0"
	ESCAddressValid   EnhancedCode = "2.1.0"
	ESCRecipientValid EnhancedCode = "2.1.5"
	ESCAuthSuccess    EnhancedCode = "2.7.0"

	ESCTempLocalError        EnhancedCode = "4.3.0"
	ESCTempTooManyRecipients EnhancedCode = "4.5.3"
	ESCTempSecurity          EnhancedCode = "4.7.0"

	ESCBadDestSyntax      EnhancedCode = "5.1.3"
	ESCBadSenderSyntax    EnhancedCode = "5.1.7"
	ESCMessageTooLarge    EnhancedCode = "5.3.4"
	ESCBadCommandSequence EnhancedCode = "5.5.1"
	ESCBadContent         EnhancedCode = "5.6.0"
	ESCDeliveryNotAuth    EnhancedCode = "5.7.1"
	ESCAuthInvalid        EnhancedCode = "5.7.8"
	ESCSPFFailure         EnhancedCode = "5.7.23"
)

// Parts returns the three numeric components of the code.
func (e EnhancedCode) Parts() [3]int {
	var p [3]int
	fmt.Sscanf(string(e), "%d.%d.%d", &p[0], &p[1], &p[2])
	return p
}

// Decision is the outcome of a session step, returned to the SMTP engine.
// 2xx allows the command; 4xx and 5xx reject it temporarily or
// permanently.
type Decision struct {
	Code         SMTPCode
	EnhancedCode EnhancedCode
	Message      string
}

// String formats the decision as an SMTP reply line.
func (d Decision) String() string {
	if d.EnhancedCode != "" {
		return fmt.Sprintf("%d %s %s", d.Code, d.EnhancedCode, d.Message)
	}
	return fmt.Sprintf("%d %s", d.Code, d.Message)
}

// Allowed returns true for 2xx codes.
func (d Decision) Allowed() bool {
	return d.Code >= 200 && d.Code < 300
}

// IsTransient returns true for 4xx codes.
func (d Decision) IsTransient() bool {
	return d.Code >= 400 && d.Code < 500
}

// IsPermanent returns true for 5xx codes.
func (d Decision) IsPermanent() bool {
	return d.Code >= 500
}

func allow(esc EnhancedCode, msg string) Decision {
	return Decision{Code: CodeOK, EnhancedCode: esc, Message: msg}
}

func reject(code SMTPCode, esc EnhancedCode, format string, args ...any) Decision {
	return Decision{Code: code, EnhancedCode: esc, Message: fmt.Sprintf(format, args...)}
}

func decisionBadSequence(msg string) Decision {
	return reject(CodeBadSequence, ESCBadCommandSequence, "%s", msg)
}

func decisionLocalError() Decision {
	return reject(CodeLocalError, ESCTempLocalError, "Requested action aborted: local error in processing")
}
