package wire

import "strings"

const (
	BroadcastTopic = "mesh/broadcast"
	DiscoveryTopic = "mesh/discovery"
)

func DirectTopic(nodeID string) string {
	return "mesh/nodes/" + nodeID + "/direct"
}

func ContextTopic(context, subtopic string) string {
	return "mesh/contexts/" + context + "/" + subtopic
}

// TopicFor picks the direct topic of target, or the broadcast topic.
func TopicFor(target string) string {
	if target == "" || target == Broadcast {
		return BroadcastTopic
	}
	return DirectTopic(target)
}

// NodeFromDirectTopic extracts the node id from a direct topic.
func NodeFromDirectTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, "mesh/nodes/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/direct")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
