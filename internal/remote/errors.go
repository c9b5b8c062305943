package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/hitoshi/todoshell/internal/model"
)

// リモートサービスが返す主なエラーコード
const (
	codeInvalidGrant       = "invalid_grant"
	codeInvalidCredentials = "invalid_credentials"
	codeUserAlreadyExists  = "user_already_exists"
	codeEmailExists        = "email_exists"
	codeNoRows             = "PGRST116"
	codeUniqueViolation    = "23505"
)

// errorBody は認証APIとREST APIのエラーレスポンスの和集合。
// 認証APIは {"error_code","msg"} または {"error","error_description"}、
// REST APIは {"code","message","details","hint"} を返す。
type errorBody struct {
	Code             json.RawMessage `json:"code"`
	ErrorCode        string          `json:"error_code"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
}

// code はエラーコードを文字列で返す。codeが数値（HTTPステータス）の場合は無視する。
func (b errorBody) code() string {
	if b.ErrorCode != "" {
		return b.ErrorCode
	}
	if len(b.Code) > 0 {
		var s string
		if err := json.Unmarshal(b.Code, &s); err == nil && s != "" {
			return s
		}
	}
	return b.Error
}

func (b errorBody) message() string {
	for _, m := range []string{b.Msg, b.Message, b.ErrorDescription, b.Error} {
		if m != "" {
			return m
		}
	}
	return ""
}

// ClassifyHTTPStatus はHTTPステータスとレスポンスボディをエラー分類に変換する。
//   - 通信系（5xx / 429）: Network
//   - invalid_grant / invalid_credentials: InvalidCredentials
//   - user_already_exists / email_exists: AccountExists
//   - 401 / 403: Unauthenticated
//   - 406 PGRST116（0件）: NotFound
//   - 23505（一意制約違反）: RemoteValidation（RemoteCode=23505）
//   - その他の4xx: RemoteValidation
func ClassifyHTTPStatus(statusCode int, body []byte) *model.APIError {
	return classifyResponse(statusCode, body)
}

func classifyResponse(statusCode int, body []byte) *model.APIError {
	if statusCode >= 500 || statusCode == http.StatusTooManyRequests {
		return model.NewNetworkError(fmt.Errorf("remote returned status %d", statusCode))
	}

	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	code := eb.code()
	msg := eb.message()

	switch code {
	case codeInvalidGrant, codeInvalidCredentials:
		return model.NewInvalidCredentialsError()
	case codeUserAlreadyExists, codeEmailExists:
		return model.NewAccountExistsError()
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return model.NewUnauthenticatedError()
	case code == codeNoRows:
		return model.NewNotFoundError("対象のデータが見つかりません。")
	case code == codeUniqueViolation:
		if msg == "" {
			msg = "既に同じデータが存在します。"
		}
		return model.NewRemoteValidationError(msg, codeUniqueViolation)
	}

	if msg == "" {
		msg = strings.TrimSpace(http.StatusText(statusCode))
		if msg == "" {
			msg = "status " + strconv.Itoa(statusCode)
		}
	}
	return model.NewRemoteValidationError(msg, code)
}
