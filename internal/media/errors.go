package media

import "fmt"

// Error は利用者へ提示可能なメディア処理エラーです。
// Code はAPIレスポンスとジョブ記録の双方で使われます。
type Error struct {
	Code    string
	Message string
	err     error
}

func newError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		err:     err,
	}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}
