// Package nats is the message-queue edge: it feeds submissions into the
// orchestrator and hands terminal results to the external persistence
// collaborator. The core never depends on this edge keeping up.
package nats

import (
	"log"

	"github.com/nats-io/nats.go"
)

// Default subjects.
const (
	SubjectJobs    = "verity.jobs"
	SubjectResults = "verity.results"
	QueueGroup     = "verity-workers"
)

//MessageQueue ...
type MessageQueue struct {
	natConn *nats.Conn
}

//NewMessageQueue ...
func NewMessageQueue(conn string) *MessageQueue {
	opts := []nats.Option{nats.Name("verity"), nats.ErrorHandler(logSlowConsumer)}
	nc, err := nats.Connect(conn, opts...)
	if err != nil {
		log.Fatalf("Failed to connect Nats: %s", err.Error())
	}
	return &MessageQueue{
		natConn: nc,
	}
}

//Subscribe routes submissions on subj into ch, load-balanced across the
//queue group.
func (s *MessageQueue) Subscribe(subj, queueName string, ch chan *nats.Msg) {
	s.natConn.QueueSubscribeSyncWithChan(subj, queueName, ch)
}

//Publish drains ch onto subj until ch closes. Best effort: a failed publish
//is logged, never retried, and never blocks the producer.
func (s *MessageQueue) Publish(subj string, ch chan []byte) {
	for msg := range ch {
		if err := s.natConn.Publish(subj, msg); err != nil {
			log.Printf("[Error] publish on %s: %s", subj, err.Error())
		}
	}
}

//Close flushes and drops the connection.
func (s *MessageQueue) Close() {
	s.natConn.Flush()
	s.natConn.Close()
}

func logSlowConsumer(nc *nats.Conn, sub *nats.Subscription, err error) {
	if err == nats.ErrSlowConsumer {
		dropped, _ := sub.Dropped()
		log.Printf("Slow consumer on subject %q: dropped %d messages\n",
			sub.Subject, dropped)
	}
}
