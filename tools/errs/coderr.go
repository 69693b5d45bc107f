package errs

import (
	"errors"
	"strconv"
	"strings"

	pkgerr "github.com/pkg/errors"
)

// Error codes. 1xxx are business-rule violations surfaced to the caller and
// never retried; 2xxx are typed infra rejections.
const (
	CodeSelfRelation      = 1001
	CodeDuplicateRelation = 1002
	CodeNotFriend         = 1003
	CodeRecipientOffline  = 1004
	CodeRateLimited       = 2001
	CodeBreakerOpen       = 2002
	CodeAuth              = 2003
)

var (
	ErrSelfRelation      = NewCodeError(CodeSelfRelation, "cannot create relation with self")
	ErrDuplicateRelation = NewCodeError(CodeDuplicateRelation, "relation already exists")
	ErrNotFriend         = NewCodeError(CodeNotFriend, "not friend")
	ErrRecipientOffline  = NewCodeError(CodeRecipientOffline, "recipient offline")
	ErrRateLimited       = NewCodeError(CodeRateLimited, "rate limited")
	ErrBreakerOpen       = NewCodeError(CodeBreakerOpen, "circuit open")
	ErrAuth              = NewCodeError(CodeAuth, "auth failed")
)

func NewCodeError(code int, msg string) CodeError {
	return CodeError{
		Code: code,
		Msg:  msg,
	}
}

type CodeError struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func (e *CodeError) WithDetail(detail string) CodeError {
	var d string
	if e.Detail == "" {
		d = detail
	} else {
		d = e.Detail + ", " + detail
	}
	return CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: d,
	}
}

func (e *CodeError) Wrap() error {
	return pkgerr.WithStack(e.clone())
}

func (e *CodeError) WrapMsg(msg string) error {
	retErr := e.clone()
	if msg != "" {
		if retErr.Detail == "" {
			retErr.Detail = msg
		} else {
			retErr.Detail += ", " + msg
		}
	}
	return pkgerr.WithStack(retErr)
}

func (e *CodeError) clone() *CodeError {
	return &CodeError{
		Code:   e.Code,
		Msg:    e.Msg,
		Detail: e.Detail,
	}
}

func (e *CodeError) Is(err error) bool {
	var codeErr *CodeError
	if !errors.As(err, &codeErr) {
		return false
	}
	return e.Code == codeErr.Code
}

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, strconv.Itoa(e.Code), e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// Code extracts the business code from err, or 0 if err carries none.
func Code(err error) int {
	var codeErr *CodeError
	if errors.As(err, &codeErr) {
		return codeErr.Code
	}
	return 0
}

// IsBusiness reports whether err is a business-rule violation (1xxx range);
// these are surfaced immediately and must not enter the retry path.
func IsBusiness(err error) bool {
	c := Code(err)
	return c >= 1000 && c < 2000
}

func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerr.WithStack(err)
}

func WrapMsg(err error, msg string) error {
	if err == nil {
		return nil
	}
	return pkgerr.Wrap(err, msg)
}
