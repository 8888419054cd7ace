// Package device holds the per-device message channels the connection
// manager delivers inbound broker traffic to.
package device

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Handler func(msg Message)

type handlerInfo struct {
	id      uint64
	handler Handler
}

// Router fans the messages of one (serial number, name) pair out to the
// subscribers of the quota, set_reply and status channels. Handlers run in
// registration order on the delivering goroutine.
type Router struct {
	serialNumber string
	name         string
	channels     map[TopicType][]*handlerInfo
	nextID       uint64
	mutex        sync.RWMutex
	logger       zerolog.Logger
}

func NewRouter(serialNumber, name string) *Router {
	return &Router{
		serialNumber: serialNumber,
		name:         name,
		channels: map[TopicType][]*handlerInfo{
			TopicQuota:    nil,
			TopicSetReply: nil,
			TopicStatus:   nil,
		},
		logger: log.With().
			Str("component", "device").
			Str("device", name).
			Str("sn", serialNumber).
			Logger(),
	}
}

func (r *Router) SetLogger(logger zerolog.Logger) {
	r.logger = logger
}

func (r *Router) SerialNumber() string { return r.serialNumber }

func (r *Router) Name() string { return r.name }

// Subscribe returns nil when topicType is not one of the three channels.
func (r *Router) Subscribe(topicType TopicType, handler Handler) *Subscription {
	if !topicType.Valid() {
		r.logger.Warn().Str("topic_type", string(topicType)).Msg("Subscription to unsupported topic type is ignored")
		return nil
	}
	if handler == nil {
		r.logger.Warn().Str("topic_type", string(topicType)).Msg("Nil handler is ignored")
		return nil
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.nextID++
	info := &handlerInfo{id: r.nextID, handler: handler}
	r.channels[topicType] = append(r.channels[topicType], info)

	return &Subscription{router: r, topicType: topicType, id: info.id}
}

// Process delivers msg to every subscriber of topicType. Unsupported types
// are logged and dropped.
func (r *Router) Process(topicType TopicType, msg Message) {
	if !topicType.Valid() {
		r.logger.Warn().Str("topic_type", string(topicType)).Msg("Received message for unsupported topic type")
		return
	}

	r.mutex.RLock()
	handlers := make([]*handlerInfo, len(r.channels[topicType]))
	copy(handlers, r.channels[topicType])
	r.mutex.RUnlock()

	if len(handlers) == 0 {
		r.logger.Debug().Str("topic_type", string(topicType)).Msg("No subscribers for message")
		return
	}

	for _, h := range handlers {
		r.execute(h.handler, topicType, msg)
	}
}

// Subscribers reports the number of handlers on one channel.
func (r *Router) Subscribers(topicType TopicType) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.channels[topicType])
}

func (r *Router) execute(handler Handler, topicType TopicType, msg Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("topic_type", string(topicType)).
				Err(fmt.Errorf("handler panic: %v", rec)).
				Msg("Message handler failed")
		}
	}()
	handler(msg)
}

func (r *Router) unsubscribe(topicType TopicType, id uint64) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	handlers := r.channels[topicType]
	for i, h := range handlers {
		if h.id == id {
			r.channels[topicType] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Subscription is the disposable handle returned by Router.Subscribe.
type Subscription struct {
	router    *Router
	topicType TopicType
	id        uint64
	once      sync.Once
}

func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.router.unsubscribe(s.topicType, s.id)
	})
}
