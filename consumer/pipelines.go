package consumer

import (
	"context"

	"github.com/postgraph/tagpipe/errors"
	"github.com/postgraph/tagpipe/message"
)

// TagExtractor produces classification tags for post text
type TagExtractor interface {
	ExtractTags(ctx context.Context, text string) ([]message.Tag, error)
}

// GraphWriter persists enriched events into the graph
type GraphWriter interface {
	LinkPostToTags(ctx context.Context, postID string, tags []message.Tag) error
	RecordInteraction(ctx context.Context, ev *message.PostInteracted) error
}

// PostCreatedPipeline decodes post.created events, enriches them with tags,
// and links the post to its tags in the graph.
func PostCreatedPipeline(extractor TagExtractor, writer GraphWriter) Pipeline {
	return Pipeline{
		Name: "post_created",
		Decode: func(body []byte) (message.Event, error) {
			return message.DecodePostCreated(body)
		},
		Enrich: func(ctx context.Context, ev message.Event) (any, error) {
			created := ev.(*message.PostCreated)
			return extractor.ExtractTags(ctx, created.Text)
		},
		Persist: func(ctx context.Context, ev message.Event, enrichment any) error {
			created := ev.(*message.PostCreated)
			tags, ok := enrichment.([]message.Tag)
			if !ok || len(tags) == 0 {
				return errors.WrapFatal(errors.ErrEnrichmentRefused, "Pipeline", "Persist", "no tags for post "+created.PostID)
			}
			return writer.LinkPostToTags(ctx, created.PostID, tags)
		},
	}
}

// PostInteractedPipeline decodes post.interacted events and records the
// interaction edge. No enrichment stage.
func PostInteractedPipeline(writer GraphWriter) Pipeline {
	return Pipeline{
		Name: "post_interacted",
		Decode: func(body []byte) (message.Event, error) {
			return message.DecodePostInteracted(body)
		},
		Persist: func(ctx context.Context, ev message.Event, _ any) error {
			return writer.RecordInteraction(ctx, ev.(*message.PostInteracted))
		},
	}
}
