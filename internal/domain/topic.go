package domain

// TopicName is the shared bus topic all participants of one session join.
type TopicName string

const DefaultTopic TopicName = "webrtc"
