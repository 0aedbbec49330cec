package channel

import (
	"context"
	"errors"
	"sync"
)

type fakeContentRequest struct {
	uri        string
	requestID  int64
	bufferSize int64
}

type fakePlatformAPI struct {
	mu        sync.Mutex
	requests  []fakeContentRequest
	cancelled []int64
	existing  map[string]bool
	getErr    error

	// caller, when set, receives two chunks and a terminal notification for every request.
	caller *CallerAPI
}

func (f *fakePlatformAPI) GetContentFromURI(ctx context.Context, uri string, requestID int64, bufferSize int64) error {
	f.mu.Lock()
	f.requests = append(f.requests, fakeContentRequest{uri: uri, requestID: requestID, bufferSize: bufferSize})
	f.mu.Unlock()

	if f.getErr != nil {
		return f.getErr
	}
	if f.caller != nil {
		go func() {
			_ = f.caller.OnDataReceived(ctx, requestID, []byte("chunk-1"), nil)
			_ = f.caller.OnDataReceived(ctx, requestID, []byte("chunk-2"), nil)
			_ = f.caller.OnDataReceived(ctx, requestID, nil, nil)
		}()
	}
	return nil
}

func (f *fakePlatformAPI) CancelRequest(requestID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cancelled = append(f.cancelled, requestID)
	return nil
}

func (f *fakePlatformAPI) DoesFileExist(_ context.Context, uri string, callback func(bool, error)) {
	go func() {
		if uri == "inaccessible" {
			callback(false, errors.New("permission denied"))
			return
		}
		callback(f.existing[uri], nil)
	}()
}

func (f *fakePlatformAPI) recordedRequests() []fakeContentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]fakeContentRequest(nil), f.requests...)
}

func (f *fakePlatformAPI) recordedCancels() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]int64(nil), f.cancelled...)
}

type receivedNotification struct {
	requestID int64
	data      []byte
	err       *string
}

type notificationRecorder struct {
	mu            sync.Mutex
	notifications []receivedNotification
	terminal      chan int64
}

func newNotificationRecorder() *notificationRecorder {
	return &notificationRecorder{terminal: make(chan int64, 16)}
}

func (r *notificationRecorder) OnDataReceived(requestID int64, data []byte, errMessage *string) {
	r.mu.Lock()
	r.notifications = append(r.notifications, receivedNotification{requestID: requestID, data: data, err: errMessage})
	r.mu.Unlock()

	if data == nil {
		r.terminal <- requestID
	}
}

func (r *notificationRecorder) get() []receivedNotification {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]receivedNotification(nil), r.notifications...)
}
