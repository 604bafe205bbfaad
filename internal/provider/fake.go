package provider

import (
	"context"
	"sync"
)

// Fake is a scripted Adapter for tests. Each call pops the next queued
// response; an empty script answers verified.
type Fake struct {
	mu          sync.Mutex
	createQueue []fakeReply
	pollQueue   []fakeReply

	CreateCalls int
	PollCalls   int
}

type fakeReply struct {
	res Result
	err error
}

// NewFake builds an empty fake adapter.
func NewFake() *Fake {
	return &Fake{}
}

// QueueCreate scripts the next CreateAccount reply.
func (f *Fake) QueueCreate(res Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createQueue = append(f.createQueue, fakeReply{res: res, err: err})
}

// QueuePoll scripts the next PollVerification reply.
func (f *Fake) QueuePoll(res Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollQueue = append(f.pollQueue, fakeReply{res: res, err: err})
}

func (f *Fake) CreateAccount(_ context.Context, _ AccountDetails) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CreateCalls++
	if len(f.createQueue) == 0 {
		return Result{Status: StatusVerified, ProviderRef: "fake-ref"}, nil
	}
	reply := f.createQueue[0]
	f.createQueue = f.createQueue[1:]
	return reply.res, reply.err
}

func (f *Fake) PollVerification(_ context.Context, _ string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PollCalls++
	if len(f.pollQueue) == 0 {
		return Result{Status: StatusVerified, ProviderRef: "fake-ref"}, nil
	}
	reply := f.pollQueue[0]
	f.pollQueue = f.pollQueue[1:]
	return reply.res, reply.err
}
