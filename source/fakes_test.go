package source

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeResolver struct {
	mu       sync.Mutex
	content  map[string][]byte
	openURIs []string
}

func newFakeResolver(content map[string][]byte) *fakeResolver {
	return &fakeResolver{content: content}
}

func (r *fakeResolver) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openURIs = append(r.openURIs, uri)

	content, ok := r.content[uri]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (r *fakeResolver) Exists(_ context.Context, uri string) (bool, error) {
	_, ok := r.content[uri]
	return ok, nil
}

type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	getErr    error
	headErr   error
	headCalls int
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	content := f.objects[aws.ToString(params.Bucket)+"/"+aws.ToString(params.Key)]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(content))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	f.headCalls++
	f.mu.Unlock()

	if f.headErr != nil {
		return nil, f.headErr
	}
	return &s3.HeadObjectOutput{}, nil
}
