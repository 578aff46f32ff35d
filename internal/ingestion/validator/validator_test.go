package validator

import (
	"strings"
	"testing"

	"github.com/Adithya-Monish-Kumar-K/Governed-Retrieval-Platform/internal/ingestion"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateIngestRequest(t *testing.T) {
	tests := []struct {
		name   string
		req    ingestion.IngestRequest
		fields []string
	}{
		{"valid", ingestion.IngestRequest{DocumentID: "guideline-2024.1", Title: "t", Body: "b"}, nil},
		{"no id is fine", ingestion.IngestRequest{Body: "b"}, nil},
		{"empty body", ingestion.IngestRequest{Body: "   "}, []string{"body"}},
		{"bad id", ingestion.IngestRequest{DocumentID: "../etc", Body: "b"}, []string{"document_id"}},
		{"long title", ingestion.IngestRequest{Title: strings.Repeat("x", 1025), Body: "b"}, []string{"title"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIngestRequest(&tt.req)
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			for _, f := range tt.fields {
				assert.Contains(t, verr.Fields, f)
			}
		})
	}
}
