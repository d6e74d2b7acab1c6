package notify

import (
	"context"
	"sync"

	logx "medwatch/pkg/logx"
)

// LogSink writes notifications to the structured log. It always has permission.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) Permission(context.Context) Permission { return PermissionGranted }

func (s LogSink) Deliver(ctx context.Context, n Notification) error {
	s.Log.Info("notification",
		logx.String("id", n.Data.ID),
		logx.String("tag", n.Tag),
		logx.String("type", n.Data.Type),
		logx.String("title", n.Title),
		logx.String("body", n.Body),
		logx.Bool("require_interaction", n.RequireInteraction),
		logx.Any("vibrate", n.VibrateMillis()),
	)
	return nil
}

// Recorder keeps every delivered notification in memory. Fail, when set, is
// consulted before recording and its error is returned instead.
type Recorder struct {
	mu   sync.Mutex
	got  []Notification
	perm Permission

	Fail func(n Notification) error
}

func NewRecorder() *Recorder { return &Recorder{perm: PermissionGranted} }

func (r *Recorder) SetPermission(p Permission) {
	r.mu.Lock()
	r.perm = p
	r.mu.Unlock()
}

func (r *Recorder) Permission(context.Context) Permission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perm
}

func (r *Recorder) Deliver(ctx context.Context, n Notification) error {
	if r.Fail != nil {
		if err := r.Fail(n); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

// Delivered returns a copy of everything recorded so far.
func (r *Recorder) Delivered() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.got...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.got = nil
	r.mu.Unlock()
}
