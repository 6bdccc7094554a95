// Package ocrsvc reads class lists from photos with Google Cloud Vision.
package ocrsvc

import (
	"context"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/pkg/errors"
	"google.golang.org/api/option"

	"github.com/trezcool/shule/core"
	"github.com/trezcool/shule/core/roster"
)

var requestTimeout = 60 * time.Second

type annotateFunc func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error)

// Service extracts text from images.
type Service struct {
	annotate annotateFunc
	close    func() error
	logger   core.Logger
}

var _ roster.TextExtractor = (*Service)(nil) // interface compliance check

func New(ctx context.Context, conf core.VisionConfig, logger core.Logger) (*Service, error) {
	var opts []option.ClientOption
	if conf.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(conf.CredentialsFile))
	}
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "vision client")
	}
	return &Service{
		annotate: func(ctx context.Context, req *visionpb.BatchAnnotateImagesRequest) (*visionpb.BatchAnnotateImagesResponse, error) {
			return client.BatchAnnotateImages(ctx, req)
		},
		close:  client.Close,
		logger: logger,
	}, nil
}

func (svc *Service) Close() error {
	if svc.close == nil {
		return nil
	}
	return svc.close()
}

// ExtractText runs document text detection on img and returns the text with its line breaks.
func (svc *Service) ExtractText(ctx context.Context, img []byte) (string, error) {
	if len(img) == 0 {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := svc.annotate(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: img},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
		}},
	})
	if err != nil {
		return "", errors.Wrap(err, "vision BatchAnnotateImages")
	}
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return "", nil
	}

	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return "", errors.New("vision annotate error: " + r0.Error.Message)
	}
	if r0.FullTextAnnotation == nil {
		svc.logger.Info("no text found in image")
		return "", nil
	}
	return strings.ReplaceAll(r0.FullTextAnnotation.Text, "\r\n", "\n"), nil
}
