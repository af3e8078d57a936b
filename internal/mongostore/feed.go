package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// changePipeline matches the operations that can make a job claimable.
var changePipeline = mongo.Pipeline{
	{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: bson.A{"insert", "update", "replace"}}}}}}},
}

// Watch opens a change stream on the jobs collection and emits one signal
// per change. A broken stream is reopened after a delay until ctx ends.
// Signals are coalesced: a slow reader sees at most one pending nudge.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	stream, err := s.openStream(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		for {
			s.drain(ctx, stream, out)
			stream.Close(context.Background())
			if ctx.Err() != nil {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(watchRetryDelay):
			}

			s.logger.Info("reopening change stream")
			for {
				stream, err = s.openStream(ctx)
				if err == nil {
					break
				}
				s.logger.Warn("failed to reopen change stream", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(watchRetryDelay):
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) openStream(ctx context.Context) (*mongo.ChangeStream, error) {
	return s.jobs.Watch(ctx, changePipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
}

func (s *Store) drain(ctx context.Context, stream *mongo.ChangeStream, out chan<- struct{}) {
	for stream.Next(ctx) {
		select {
		case out <- struct{}{}:
		default:
		}
	}
	if err := stream.Err(); err != nil && ctx.Err() == nil {
		s.logger.Error("change stream error", "error", err)
	}
}
