package local

import (
	"github.com/Lllllllleong/xbrlflow/internal/pipeline"
)

// Discovery topics. In the cloud these messages come from bucket notifications.
const (
	TopicDiscoverDirectory = "xbrl-discover-directory"
	TopicDiscoverArchive   = "xbrl-discover-archive"
)

// Attach subscribes every stage of ctl to the bus.
func Attach(b *Bus, ctl *pipeline.Controller) {
	topics := ctl.Config().Topics
	b.Subscribe(TopicDiscoverDirectory, ctl.DiscoverDirectory)
	b.Subscribe(TopicDiscoverArchive, ctl.DiscoverArchive)
	b.Subscribe(topics.Unpack, ctl.Unpack)
	b.Subscribe(topics.Parse, ctl.Parse)
	b.Subscribe(topics.Verify, ctl.Verify)
	b.Subscribe(topics.Export, ctl.Export)
}
