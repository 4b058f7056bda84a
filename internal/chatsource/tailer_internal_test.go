package chatsource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromAppleTicks(t *testing.T) {
	cases := []struct {
		name  string
		ticks int64
		want  time.Time
	}{
		{"seconds-scale", 600000000, appleEpoch.Add(600000000 * time.Second)},
		{"nanoseconds-scale", 600000000000000000, appleEpoch.Add(600000000000000000 * time.Nanosecond)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fromAppleTicks(tc.ticks))
		})
	}
}

func TestClassifyGroup(t *testing.T) {
	tl := &Tailer{groupPrefixes: []string{"chat", "iMessage;+;chat"}}

	assert.True(t, tl.classifyGroup("chat123456789;+;group"))
	assert.False(t, tl.classifyGroup("+15555550100"))
}

func TestResolveAttachmentPath(t *testing.T) {
	assert.Equal(t, "/home/user/Library/x.jpg", resolveAttachmentPath("/home/user", "~/Library/x.jpg"))
	assert.Equal(t, "", resolveAttachmentPath("/home/user", ""))
	assert.Equal(t, "/abs/path.jpg", resolveAttachmentPath("/home/user", "/abs/path.jpg"))
}
