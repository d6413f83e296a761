package ledger

import "agentline/internal/domain"

const defaultSubscriptionBuffer = 64

// Subscription is a live feed of appended events. Events arrive in
// append order. A slow consumer whose buffer fills drops the oldest
// pending event rather than blocking the writer; callers that must not
// miss a matching event do a catch-up read first (see the waiter).
type Subscription struct {
	C  <-chan domain.Event
	id int
	ch chan domain.Event
}

// Subscribe registers a listener for every subsequent append. Callers
// must Unsubscribe when done or the channel leaks.
func (l *Ledger) Subscribe() *Subscription {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	ch := make(chan domain.Event, defaultSubscriptionBuffer)
	sub := &Subscription{C: ch, ch: ch, id: l.nextSub}
	l.subs[sub.id] = sub
	l.nextSub++
	return sub
}

// Unsubscribe releases the subscription and closes its channel.
func (l *Ledger) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	if _, ok := l.subs[sub.id]; !ok {
		return
	}
	delete(l.subs, sub.id)
	close(sub.ch)
}

func (l *Ledger) publish(ev domain.Event) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, sub := range l.subs {
		select {
		case sub.ch <- ev:
		default:
			// buffer full: make room by dropping the oldest event
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}
