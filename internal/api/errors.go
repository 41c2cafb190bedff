package api

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/chatapi"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/media"
	"github.com/matheus3301/chatsync/internal/model"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	var (
		verr *chatapi.ValidationError
		serr *chatapi.StatusError
		nerr net.Error
	)
	code := codes.Internal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, intsync.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, model.ErrInvalidContent), errors.As(err, &verr), errors.Is(err, media.ErrTooLarge):
		code = codes.InvalidArgument
	case errors.Is(err, intsync.ErrNotEditable), errors.Is(err, intsync.ErrNotDeletable),
		errors.Is(err, intsync.ErrDeleted), errors.Is(err, intsync.ErrUnconfirmed),
		errors.Is(err, intsync.ErrNotRetryable), errors.Is(err, intsync.ErrNotActive):
		code = codes.FailedPrecondition
	case errors.Is(err, engine.ErrNotStarted), errors.Is(err, conn.ErrNotConnected):
		code = codes.Unavailable
	case errors.As(err, &serr) && chatapi.IsRetryable(err), errors.As(err, &nerr):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, err.Error())
}
