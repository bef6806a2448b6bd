package agent

import (
	"context"
	"fmt"

	"github.com/ashureev/ava-chat/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service the agent exposes.
const ServiceName = "ava.agent.v1.AgentService"

const invokeMethod = "/" + ServiceName + "/Invoke"

var invokeStreamDesc = grpc.StreamDesc{
	StreamName:    "Invoke",
	ServerStreams: true,
}

// Response message types on the Invoke stream.
const (
	wireToken     = "token"
	wireToolStart = "tool_start"
	wireError     = "error"
)

func requestToStruct(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, t := range req.History {
		history = append(history, []any{t.User, t.Bot})
	}
	return structpb.NewStruct(map[string]any{
		"input":           req.Input,
		"conversation_id": req.ConversationID,
		"user_id":         req.UserID,
		"language":        req.Language,
		"chat_history":    history,
	})
}

func requestFromStruct(s *structpb.Struct) Request {
	fields := s.GetFields()
	req := Request{
		Input:          fields["input"].GetStringValue(),
		ConversationID: fields["conversation_id"].GetStringValue(),
		UserID:         fields["user_id"].GetStringValue(),
		Language:       fields["language"].GetStringValue(),
	}
	for _, v := range fields["chat_history"].GetListValue().GetValues() {
		pair := v.GetListValue().GetValues()
		if len(pair) != 2 {
			continue
		}
		req.History = append(req.History, domain.Turn{
			User: pair[0].GetStringValue(),
			Bot:  pair[1].GetStringValue(),
		})
	}
	return req
}

func fragmentToStruct(f Fragment) (*structpb.Struct, error) {
	switch f.Kind {
	case FragmentToken:
		return structpb.NewStruct(map[string]any{"type": wireToken, "text": f.Text})
	case FragmentToolStart:
		return structpb.NewStruct(map[string]any{"type": wireToolStart, "tool": f.Tool, "input": f.Input})
	default:
		return nil, fmt.Errorf("unknown fragment kind %q", f.Kind)
	}
}

func fragmentFromStruct(s *structpb.Struct) (Fragment, error) {
	fields := s.GetFields()
	switch typ := fields["type"].GetStringValue(); typ {
	case wireToken:
		return Token(fields["text"].GetStringValue()), nil
	case wireToolStart:
		return ToolStart(fields["tool"].GetStringValue(), fields["input"].GetStringValue()), nil
	case wireError:
		msg := fields["error_message"].GetStringValue()
		if msg == "" {
			return Fragment{}, ErrAgent
		}
		return Fragment{}, fmt.Errorf("%w: %s", ErrAgent, msg)
	default:
		return Fragment{}, fmt.Errorf("%w: unknown response type %q", ErrAgent, typ)
	}
}

// RegisterProducer exposes produce as the agent service on s. It is the
// server half of the Invoke protocol, used by the development agent binary.
func RegisterProducer(s grpc.ServiceRegistrar, produce Producer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    invokeStreamDesc.StreamName,
			ServerStreams: true,
			Handler: func(_ any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return serveInvoke(stream.Context(), stream, requestFromStruct(in), produce)
			},
		}},
		Metadata: "ava/agent/v1/agent.proto",
	}, struct{}{})
}

func serveInvoke(ctx context.Context, stream grpc.ServerStream, req Request, produce Producer) error {
	err := produce(ctx, req, func(f Fragment) error {
		msg, err := fragmentToStruct(f)
		if err != nil {
			return err
		}
		return stream.SendMsg(msg)
	})
	if err == nil || ctx.Err() != nil {
		return err
	}
	msg, encErr := structpb.NewStruct(map[string]any{"type": wireError, "error_message": err.Error()})
	if encErr != nil {
		return encErr
	}
	return stream.SendMsg(msg)
}
