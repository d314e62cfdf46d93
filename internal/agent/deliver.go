package agent

import (
	"context"
	"regexp"
	"strings"

	"github.com/comigor/leadbot/internal/channel"
	"github.com/comigor/leadbot/internal/crm"
)

var codePattern = regexp.MustCompile(`(?i)c[óo]digo:\s*([A-Za-z0-9][A-Za-z0-9_-]*)`)

// ExtractCodes returns every property code referenced as "Código: <code>".
func ExtractCodes(text string) []string {
	var codes []string
	for _, m := range codePattern.FindAllStringSubmatch(text, -1) {
		codes = append(codes, m[1])
	}
	return codes
}

// SplitSegments splits a reply on marker into non-empty trimmed segments.
func SplitSegments(reply, marker string) []string {
	var out []string
	for _, part := range strings.Split(reply, marker) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// deliver sends reply and returns the segments actually sent and the property
// codes found in them. A reply without the segment marker goes out as one
// quoted message and is not scanned for codes.
func (a *Agent) deliver(ctx context.Context, ev channel.InboundEvent, contactID int64, reply string) ([]string, []string) {
	log := a.log.With("sender", ev.SenderID)

	if !strings.Contains(reply, a.segmentMarker) {
		text := strings.TrimSpace(reply)
		if text == "" {
			return nil, nil
		}
		a.sendText(ctx, ev.SenderID, text, ev.MessageID)
		return []string{text}, nil
	}

	segments := SplitSegments(reply, a.segmentMarker)
	var codes []string
	for i, seg := range segments {
		replyTo := ""
		if i == 0 {
			replyTo = ev.MessageID
		} else if err := a.sleep(ctx, a.segmentDelay); err != nil {
			log.Warn("delivery interrupted", "error", err, "sent", i, "segments", len(segments))
			segments = segments[:i]
			break
		}
		a.sendText(ctx, ev.SenderID, seg, replyTo)

		for _, code := range ExtractCodes(seg) {
			codes = append(codes, code)
			a.score(ctx, contactID, crm.EventPropertyViewed, log)
			a.sendCover(ctx, ev.SenderID, code)
		}
	}

	if len(codes) > 0 && a.FollowUps != nil {
		a.FollowUps.Enqueue(ctx, ev.SenderID, codes)
	}
	return segments, codes
}

// sendCover sends the cover photo of a property. Every failure is logged and
// swallowed so the remaining segments still go out.
func (a *Agent) sendCover(ctx context.Context, to, code string) {
	log := a.log.With("sender", to, "code", code)
	if a.Properties == nil {
		return
	}
	props, err := a.Properties.Search(ctx, crm.PropertyFilter{Code: code, Limit: 1})
	if err != nil {
		log.Warn("property lookup failed", "error", err)
		return
	}
	if len(props) == 0 {
		log.Info("property not found")
		return
	}
	url := props[0].CoverURL()
	if url == "" {
		log.Info("property has no cover photo")
		return
	}
	if err := a.sleep(ctx, a.imageDelay); err != nil {
		return
	}
	if err := a.Transport.SendImage(ctx, to, url); err != nil {
		log.Warn("image send failed", "error", err)
	}
}
