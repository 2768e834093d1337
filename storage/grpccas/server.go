package grpccas

import (
	"context"
	"errors"
	"io"

	"github.com/ipfs/go-cid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"xdao.co/llmindex/storage"
)

// ChunkSize is the payload size of one streamed Open message.
const ChunkSize = 256 << 10

// Server exposes a storage.CAS over the CAS gRPC service.
type Server struct {
	UnimplementedCASServer
	CAS storage.CAS
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s == nil || s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing CAS")
	}
	id, err := s.CAS.Put(ctx, in.GetValue())
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.String(id.String()), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing CAS")
	}
	id, err := decode(in)
	if err != nil {
		return nil, err
	}
	b, err := s.CAS.Get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Has(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if s == nil || s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "missing CAS")
	}
	id, err := decode(in)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bool(s.CAS.Has(ctx, id)), nil
}

func (s *Server) Open(in *wrapperspb.StringValue, stream CAS_OpenServer) error {
	if s == nil || s.CAS == nil {
		return status.Error(codes.FailedPrecondition, "missing CAS")
	}
	id, err := decode(in)
	if err != nil {
		return err
	}
	ctx := stream.Context()
	rc, err := s.CAS.Open(ctx, id)
	if err != nil {
		return mapErr(err)
	}
	defer rc.Close()

	buf := make([]byte, ChunkSize)
	for {
		n, rerr := rc.Read(buf)
		if n > 0 {
			if err := stream.Send(wrapperspb.Bytes(append([]byte(nil), buf[:n]...))); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) {
			return nil
		}
		if rerr != nil {
			return mapErr(rerr)
		}
	}
}

func decode(in *wrapperspb.StringValue) (cid.Cid, error) {
	id, err := cid.Decode(in.GetValue())
	if err != nil || !id.Defined() {
		return cid.Undef, status.Error(codes.InvalidArgument, storage.ErrInvalidCID.Error())
	}
	return id, nil
}
