package bus

const (
	TopicLinkState      = "link.state"
	TopicRawFrameIn     = "raw.frame.in"
	TopicRawFrameOut    = "raw.frame.out"
	TopicCommitProgress = "nor.commit.progress"
	TopicReadProgress   = "nor.read.progress"
	TopicDeviceStatus   = "device.status"
)
