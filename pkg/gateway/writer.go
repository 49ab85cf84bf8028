package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// WriterBufferSize 消息写入器缓冲区大小
	WriterBufferSize = 100
)

var errWriterClosed = errors.New("writer closed")

// Writer serializes outbound frames onto one socket. Sends never block the
// caller; a full buffer drops the message.
type Writer struct {
	conn         *websocket.Conn
	logger       *zap.Logger
	writeTimeout time.Duration

	mu         sync.Mutex
	msgChan    chan []byte
	binaryChan chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	bytesSent atomic.Int64
	dropped   atomic.Int64
}

// NewWriter 创建消息写入器
func NewWriter(conn *websocket.Conn, writeTimeout time.Duration, logger *zap.Logger) *Writer {
	w := &Writer{
		conn:         conn,
		logger:       logger,
		writeTimeout: writeTimeout,
		msgChan:      make(chan []byte, WriterBufferSize),
		binaryChan:   make(chan []byte, WriterBufferSize),
		done:         make(chan struct{}),
	}

	w.wg.Add(2)
	go w.loop(w.msgChan, websocket.TextMessage)
	go w.loop(w.binaryChan, websocket.BinaryMessage)
	return w
}

// Close flushes what is already queued and stops the write loops
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *Writer) loop(ch chan []byte, messageType int) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			// 关闭前把队列里剩下的消息写完
			for {
				select {
				case msg := <-ch:
					if !w.write(messageType, msg) {
						return
					}
				default:
					return
				}
			}
		case msg := <-ch:
			if !w.write(messageType, msg) {
				w.closeOnce.Do(func() { close(w.done) })
				return
			}
		}
	}
}

func (w *Writer) write(messageType int, data []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	if err := w.conn.WriteMessage(messageType, data); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
			errors.Is(err, websocket.ErrCloseSent) {
			w.logger.Debug("websocket closed, stop writing", zap.Error(err))
		} else {
			w.logger.Warn("write websocket message failed", zap.Error(err))
		}
		return false
	}
	w.bytesSent.Add(int64(len(data)))
	return true
}

// Send marshals v and queues it as a text frame
func (w *Writer) Send(v interface{}) error {
	message, err := json.Marshal(v)
	if err != nil {
		w.logger.Error("marshal outbound message failed", zap.Error(err))
		return err
	}
	return w.enqueue(w.msgChan, message, messageTypeOf(v))
}

// SendBinary queues raw audio
func (w *Writer) SendBinary(data []byte) error {
	return w.enqueue(w.binaryChan, data, "binary")
}

func (w *Writer) enqueue(ch chan []byte, data []byte, kind string) error {
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case ch <- data:
		return nil
	default:
		w.dropped.Add(1)
		w.logger.Warn("outbound buffer full, message dropped", zap.String("type", kind))
		return nil
	}
}

// BytesSent counts bytes actually written to the socket
func (w *Writer) BytesSent() int64 {
	return w.bytesSent.Load()
}

// Dropped counts messages lost to a full buffer
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// SendError 发送错误消息
func (w *Writer) SendError(message string) error {
	return w.Send(errorMessage{Type: MessageTypeError, Message: message})
}

func messageTypeOf(v interface{}) string {
	switch m := v.(type) {
	case map[string]string:
		return m["type"]
	case errorMessage:
		return m.Type
	case heartbeatMessage:
		return m.Type
	}
	return "json"
}
