package errhandler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Kind 错误类型
type Kind int

const (
	// KindSetup connection setup failures: bad origin, auth, quota. Fatal to the connection.
	KindSetup Kind = iota
	// KindProcessing malformed audio, unparsable model output. Recovered locally.
	KindProcessing
	// KindDependency model or store unreachable. Surfaced as a generic error message.
	KindDependency
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindProcessing:
		return "processing"
	case KindDependency:
		return "dependency"
	}
	return "unknown"
}

// DegradedThreshold consecutive processing errors before the client is told the session is degraded
const DegradedThreshold = 3

// Error 统一错误结构
type Error struct {
	Kind    Kind
	Service string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Service, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewSetupError 创建连接建立错误
func NewSetupError(service, message string, err error) *Error {
	return &Error{Kind: KindSetup, Service: service, Message: message, Err: err}
}

// NewProcessingError 创建处理错误
func NewProcessingError(service, message string, err error) *Error {
	return &Error{Kind: KindProcessing, Service: service, Message: message, Err: err}
}

// NewDependencyError 创建依赖错误
func NewDependencyError(service, message string, err error) *Error {
	return &Error{Kind: KindDependency, Service: service, Message: message, Err: err}
}

// Handler 错误处理器
type Handler struct {
	logger *zap.Logger
}

// NewHandler 创建错误处理器
func NewHandler(logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.L()
	}
	return &Handler{logger: logger}
}

// Classify wraps err in an *Error, keeping any kind already assigned
func (h *Handler) Classify(err error, service string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	kind := KindProcessing
	if IsDependencyFailure(err) {
		kind = KindDependency
	}
	return &Error{Kind: kind, Service: service, Message: err.Error(), Err: err}
}

// Handle classifies and logs err at a level matching its kind
func (h *Handler) Handle(err error, service string) *Error {
	classified := h.Classify(err, service)
	if classified == nil {
		return nil
	}

	switch classified.Kind {
	case KindSetup:
		h.logger.Warn("connection setup rejected",
			zap.String("service", service),
			zap.Error(err),
		)
	case KindDependency:
		h.logger.Error("dependency failure",
			zap.String("service", service),
			zap.Error(err),
		)
	default:
		h.logger.Warn("processing error",
			zap.String("service", service),
			zap.Error(err),
		)
	}
	return classified
}

// IsDependencyFailure reports network level failures of the store or model
func IsDependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"timeout",
		"unreachable",
		"broken pipe",
		"status code: 5",
		"eof",
	} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// Tracker counts consecutive processing errors for one session
type Tracker struct {
	mu          sync.Mutex
	consecutive int
	total       int64
}

// NewTracker 创建错误计数器
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record counts one error and reports whether the session just became degraded.
// Only processing errors contribute to the consecutive run.
func (t *Tracker) Record(kind Kind) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total++
	if kind != KindProcessing {
		return false
	}
	t.consecutive++
	return t.consecutive == DegradedThreshold
}

// Success resets the consecutive run
func (t *Tracker) Success() {
	t.mu.Lock()
	t.consecutive = 0
	t.mu.Unlock()
}

// Total returns every error recorded in the session
func (t *Tracker) Total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Degraded reports whether the current run has reached the threshold
func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive >= DegradedThreshold
}
