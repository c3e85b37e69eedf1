package hubtest

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/briefsync/internal/client/transport"
	"github.com/dmitrijs2005/briefsync/internal/common"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func (h *Hub) newGRPCServer() *grpc.Server {
	return grpc.NewServer(
		grpc.StreamInterceptor(h.accessTokenInterceptor),
		grpc.UnknownServiceHandler(h.serveGRPC),
	)
}

// accessTokenInterceptor rejects calls without the current bearer token.
func (h *Hub) accessTokenInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	var authorization, repo string
	if md, ok := metadata.FromIncomingContext(ss.Context()); ok {
		if v := md.Get(common.AuthorizationHeaderName); len(v) > 0 {
			authorization = v[0]
		}
		if v := md.Get(transport.RepositoryHeader); len(v) > 0 {
			repo = v[0]
		}
	}
	if len(authorization) == 0 {
		return status.Error(codes.Unauthenticated, "missing token")
	}
	if err := h.checkCaller(authorization, repo); err != nil {
		return grpcError(ss, err)
	}
	return handler(srv, ss)
}

// serveGRPC answers every method of the repository service. Requests and
// responses are Struct documents shaped like the HTTP bodies.
func (h *Hub) serveGRPC(_ any, stream grpc.ServerStream) error {
	full, _ := grpc.MethodFromServerStream(stream)
	service, method, _ := strings.Cut(strings.TrimPrefix(full, "/"), "/")
	if service != transport.GRPCService {
		return status.Errorf(codes.Unimplemented, "unknown service %s", service)
	}

	in := &structpb.Struct{}
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	out, err := h.invoke(method, in)
	if err != nil {
		return grpcError(stream, err)
	}
	resp, err := transport.ToStruct(out)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	return stream.SendMsg(resp)
}

func (h *Hub) invoke(method string, in *structpb.Struct) (any, error) {
	if method == transport.MethodSendChangeset {
		var req transport.WireChangeset
		if err := transport.FromStruct(in, &req); err != nil {
			return nil, badRequest(ErrIDMissingProperties, "request: %v", err)
		}
		res, err := h.changeset(transport.ChangesetFromWire(req))
		if err != nil {
			return nil, err
		}
		var out transport.WireChangesetResult
		for _, i := range res {
			out.ChangedInstances = append(out.ChangedInstances, transport.WireChangedInstanceEntry{
				Change:              string(i.State),
				InstanceAfterChange: transport.ToWire(i),
			})
		}
		return out, nil
	}

	var req transport.GRPCObjectRequest
	if err := transport.FromStruct(in, &req); err != nil {
		return nil, badRequest(ErrIDMissingProperties, "request: %v", err)
	}

	switch method {
	case transport.MethodCreateObject:
		inst, err := h.create(transport.FromWire(req.Instance))
		if err != nil {
			return nil, err
		}
		var out transport.WireChangedInstance
		out.ChangedInstance.InstanceAfterChange = transport.ToWire(inst)
		return out, nil
	case transport.MethodQueryObjects:
		res, err := h.list(query{class: req.Class, filter: req.Filter, sel: req.Select, top: req.Top})
		if err != nil {
			return nil, err
		}
		out := transport.WireInstances{Instances: make([]transport.WireInstance, 0, len(res))}
		for _, i := range res {
			out.Instances = append(out.Instances, transport.ToWire(i))
		}
		return out, nil
	case transport.MethodUpdateObject:
		return struct{}{}, h.update(transport.FromWire(req.Instance))
	case transport.MethodDeleteObject:
		return struct{}{}, h.remove(transport.ObjectID{Schema: req.Schema, Class: req.Class, ID: req.ID})
	case transport.MethodFileURL:
		return h.fileURL(req)
	default:
		return nil, newError(ErrIDClassNotSupported, http.StatusNotImplemented, "method %s", method)
	}
}

// fileURL hands out a presigned URL for a file slot. Downloads must refer
// to an existing file.
func (h *Hub) fileURL(req transport.GRPCObjectRequest) (transport.GRPCFileURL, error) {
	upload := req.Direction == "upload"
	if !upload {
		if _, err := h.getFile(req.Class, req.ID); err != nil {
			return transport.GRPCFileURL{}, err
		}
	}
	u, err := h.presignURL(req.Class, req.ID, upload)
	if err != nil {
		return transport.GRPCFileURL{}, newError(ErrIDInternalServerError, http.StatusInternalServerError, "presign: %v", err)
	}
	return transport.GRPCFileURL{URL: u}, nil
}

// grpcError sends the remote error id and data as trailers next to the
// status.
func grpcError(stream grpc.ServerStream, err error) error {
	var he *hubError
	if !errors.As(err, &he) {
		return status.Error(codes.Internal, err.Error())
	}
	if he.id != "" {
		md := metadata.Pairs(transport.TrailerErrorID, common.RemoteErrorPrefix+he.id)
		if len(he.data) > 0 {
			if b, jerr := json.Marshal(he.data); jerr == nil {
				md.Set(transport.TrailerErrorData, string(b))
			}
		}
		stream.SetTrailer(md)
	}
	return status.Error(he.grpcCode(), he.msg)
}
