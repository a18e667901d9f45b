// Package ocr extracts lines of text from stored binary documents.
package ocr

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
)

var ErrEmptyDocument = errors.New("document has neither bytes nor location")

// Document addresses a document either by object location or by content.
// The location is preferred when both are set.
type Document struct {
	Bucket string
	Key    string
	Bytes  []byte
}

// Extractor returns the text lines of a document in reading order.
type Extractor interface {
	DetectLines(ctx context.Context, doc Document) ([]string, error)
}

// TextractAPI is the subset of the Textract client in use.
type TextractAPI interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

// Textract is an Extractor backed by Amazon Textract's synchronous text
// detection.
type Textract struct {
	api TextractAPI
}

func NewTextract(api TextractAPI) *Textract {
	return &Textract{api: api}
}

func (t *Textract) DetectLines(ctx context.Context, doc Document) ([]string, error) {
	in := &textract.DetectDocumentTextInput{Document: &types.Document{}}
	switch {
	case doc.Bucket != "" && doc.Key != "":
		in.Document.S3Object = &types.S3Object{Bucket: aws.String(doc.Bucket), Name: aws.String(doc.Key)}
	case len(doc.Bytes) > 0:
		in.Document.Bytes = doc.Bytes
	default:
		return nil, ErrEmptyDocument
	}

	out, err := t.api.DetectDocumentText(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("textract detect: %w", err)
	}

	var lines []string
	for _, b := range out.Blocks {
		if b.BlockType == types.BlockTypeLine && b.Text != nil {
			lines = append(lines, *b.Text)
		}
	}
	return lines, nil
}
