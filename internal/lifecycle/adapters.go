package lifecycle

import (
	"context"

	"github.com/edgebridge/relay/internal/link"
)

// uploaderAdapter satisfies attachment.Uploader by going out over C7's
// HTTP fallback path, since photo upload has no bidirectional-frame
// equivalent in §4.7's wire protocol — it is always a plain POST.
type uploaderAdapter struct {
	l *link.Link
}

func (u uploaderAdapter) UploadPhoto(ctx context.Context, guid string, data []byte, mimeType string) (string, error) {
	resp, err := u.l.FallbackChannel().UploadAttachment(ctx, guid, data, mimeType)
	if err != nil {
		return "", err
	}
	return resp.PhotoID, nil
}
