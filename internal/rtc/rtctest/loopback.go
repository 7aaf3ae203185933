package rtctest

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Receiver is the negotiation surface of a peer.
type Receiver interface {
	OnOffer(offer webrtc.SessionDescription) error
	OnAnswer(answer webrtc.SessionDescription) error
	OnICECandidate(candidate webrtc.ICECandidateInit)
}

// Sent counts messages of each kind sent by one endpoint.
type Sent struct {
	Offers     int
	Answers    int
	Candidates int
	Byes       int
}

// Loopback routes negotiation messages between in-process peers. Delivery is
// asynchronous and ordered per sender/receiver pair. While held, messages
// queue up until Release.
type Loopback struct {
	mu        sync.Mutex
	receivers map[string]Receiver
	links     map[[2]string]*link
	sent      map[string]*Sent
	held      bool
	wg        sync.WaitGroup
	closed    bool
}

func NewLoopback() *Loopback {
	return &Loopback{
		receivers: make(map[string]Receiver),
		links:     make(map[[2]string]*link),
		sent:      make(map[string]*Sent),
	}
}

// Attach registers the receiver for id.
func (l *Loopback) Attach(id string, r Receiver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receivers[id] = r
}

// Endpoint returns the signaler used by the peer with the given id.
func (l *Loopback) Endpoint(id string) *Endpoint {
	return &Endpoint{id: id, loop: l}
}

// Hold queues messages instead of delivering them.
func (l *Loopback) Hold() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = true
}

// Release delivers queued messages and resumes delivery.
func (l *Loopback) Release() {
	l.mu.Lock()
	l.held = false
	links := make([]*link, 0, len(l.links))
	for _, k := range l.links {
		links = append(links, k)
	}
	l.mu.Unlock()

	for _, k := range links {
		k.wake()
	}
}

// Sent returns the counters for the endpoint with the given id.
func (l *Loopback) Sent(id string) Sent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sent[id]; ok {
		return *s
	}
	return Sent{}
}

// Close stops delivery and waits for the delivery goroutines.
func (l *Loopback) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	for _, k := range l.links {
		k.close()
	}
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Loopback) isHeld() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *Loopback) receiver(id string) Receiver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receivers[id]
}

func (l *Loopback) send(from, to string, count func(*Sent), deliver func(Receiver)) {
	l.mu.Lock()
	s, ok := l.sent[from]
	if !ok {
		s = &Sent{}
		l.sent[from] = s
	}
	count(s)

	if l.closed {
		l.mu.Unlock()
		return
	}

	key := [2]string{from, to}
	k, ok := l.links[key]
	if !ok {
		k = &link{loop: l, to: to, signal: make(chan struct{}, 1), done: make(chan struct{})}
		l.links[key] = k
		l.wg.Add(1)
		go k.run()
	}
	l.mu.Unlock()

	k.push(deliver)
}

type link struct {
	loop   *Loopback
	to     string
	mu     sync.Mutex
	queue  []func(Receiver)
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (k *link) push(deliver func(Receiver)) {
	k.mu.Lock()
	k.queue = append(k.queue, deliver)
	k.mu.Unlock()
	k.wake()
}

func (k *link) wake() {
	select {
	case k.signal <- struct{}{}:
	default:
	}
}

func (k *link) close() {
	k.once.Do(func() { close(k.done) })
}

func (k *link) run() {
	defer k.loop.wg.Done()

	for {
		select {
		case <-k.done:
			return
		case <-k.signal:
		}

		for !k.loop.isHeld() {
			k.mu.Lock()
			if len(k.queue) == 0 {
				k.mu.Unlock()
				break
			}
			deliver := k.queue[0]
			k.queue = k.queue[1:]
			k.mu.Unlock()

			if r := k.loop.receiver(k.to); r != nil {
				deliver(r)
			}
		}
	}
}

// Endpoint implements rtc.Signaler on a Loopback.
type Endpoint struct {
	id   string
	loop *Loopback
}

func (e *Endpoint) Offer(receiver string, desc webrtc.SessionDescription) error {
	e.loop.send(e.id, receiver, func(s *Sent) { s.Offers++ }, func(r Receiver) {
		_ = r.OnOffer(desc)
	})
	return nil
}

func (e *Endpoint) Answer(receiver string, desc webrtc.SessionDescription) error {
	e.loop.send(e.id, receiver, func(s *Sent) { s.Answers++ }, func(r Receiver) {
		_ = r.OnAnswer(desc)
	})
	return nil
}

func (e *Endpoint) ICECandidate(receiver string, candidate *webrtc.ICECandidateInit) error {
	if candidate == nil {
		return nil
	}
	c := *candidate
	e.loop.send(e.id, receiver, func(s *Sent) { s.Candidates++ }, func(r Receiver) {
		r.OnICECandidate(c)
	})
	return nil
}

// Bye is counted but not delivered; removing peers is the caller's concern.
func (e *Endpoint) Bye(receiver string) error {
	e.loop.mu.Lock()
	defer e.loop.mu.Unlock()

	s, ok := e.loop.sent[e.id]
	if !ok {
		s = &Sent{}
		e.loop.sent[e.id] = s
	}
	s.Byes++
	return nil
}
