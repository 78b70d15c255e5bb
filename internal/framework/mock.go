package framework

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// Mock is a testify mock of Framework for pipeline tests.
type Mock struct {
	mock.Mock
}

func (m *Mock) Preprocess(ctx context.Context, req *Request) (*Response, error) {
	return m.result(m.Called(ctx, req))
}

func (m *Mock) Train(ctx context.Context, req *Request) (*Response, error) {
	return m.result(m.Called(ctx, req))
}

func (m *Mock) Evaluate(ctx context.Context, req *Request) (*Response, error) {
	return m.result(m.Called(ctx, req))
}

func (m *Mock) Quantize(ctx context.Context, req *Request) (*Response, error) {
	return m.result(m.Called(ctx, req))
}

func (m *Mock) Predict(ctx context.Context, req *Request) (*Response, error) {
	return m.result(m.Called(ctx, req))
}

func (m *Mock) result(args mock.Arguments) (*Response, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Response), args.Error(1)
}
