package grpc

import (
	"context"
	stderrors "errors"
	"fmt"

	"google.golang.org/grpc"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1alpha"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
)

var errUnknownMethod = stderrors.New("method not exposed by upstream")

// method returns the descriptor of target on the upstream behind conn.
// Descriptors are cached per endpoint; concurrent misses share one
// reflection round trip.
func (t *Transcoder) method(ctx context.Context, conn *grpc.ClientConn, endpoint, service, name string) (protoreflect.MethodDescriptor, error) {
	key := endpoint + "/" + service + "/" + name
	if md, ok := t.methods.Get(key); ok {
		return md, nil
	}
	v, err, _ := t.fills.Do(key, func() (any, error) {
		sd, err := fetchService(ctx, conn, service)
		if err != nil {
			return nil, err
		}
		md := sd.Methods().ByName(protoreflect.Name(name))
		if md == nil {
			return nil, fmt.Errorf("%w: %s/%s", errUnknownMethod, service, name)
		}
		t.methods.Add(key, md)
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(protoreflect.MethodDescriptor), nil
}

// fetchService asks the upstream's reflection service for the file that
// defines service, together with its dependencies.
func fetchService(ctx context.Context, conn *grpc.ClientConn, service string) (protoreflect.ServiceDescriptor, error) {
	client := rpb.NewServerReflectionClient(conn)
	stream, err := client.ServerReflectionInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create reflection stream: %w", err)
	}
	defer stream.CloseSend()

	if err := stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{
			FileContainingSymbol: service,
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to send file request for %s: %w", service, err)
	}
	resp, err := stream.Recv()
	if err != nil {
		return nil, fmt.Errorf("failed to receive file descriptor for %s: %w", service, err)
	}

	switch r := resp.MessageResponse.(type) {
	case *rpb.ServerReflectionResponse_ErrorResponse:
		return nil, fmt.Errorf("%w: %s (%s)", errUnknownMethod, service, r.ErrorResponse.GetErrorMessage())
	case *rpb.ServerReflectionResponse_FileDescriptorResponse:
		seen := make(map[string]bool)
		var protos []*descriptorpb.FileDescriptorProto
		for _, raw := range r.FileDescriptorResponse.GetFileDescriptorProto() {
			fd := &descriptorpb.FileDescriptorProto{}
			if err := proto.Unmarshal(raw, fd); err != nil {
				return nil, fmt.Errorf("invalid file descriptor for %s: %w", service, err)
			}
			if !seen[fd.GetName()] {
				seen[fd.GetName()] = true
				protos = append(protos, fd)
			}
		}
		files, err := protodesc.NewFiles(&descriptorpb.FileDescriptorSet{File: protos})
		if err != nil {
			return nil, fmt.Errorf("failed to build file descriptors: %w", err)
		}
		d, err := files.FindDescriptorByName(protoreflect.FullName(service))
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errUnknownMethod, service)
		}
		sd, ok := d.(protoreflect.ServiceDescriptor)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not a service", errUnknownMethod, service)
		}
		return sd, nil
	}
	return nil, fmt.Errorf("unexpected reflection response for %s", service)
}
