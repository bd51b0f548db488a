package mqtt

import (
	"testing"
	"time"

	"github.com/edgeforge/iothub/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicCodecTelemetryTopics(t *testing.T) {
	t.Parallel()

	var c TopicCodec
	assert.Equal(t, "devices/dev1/messages/events/", c.DeviceToCloud("dev1"))
	assert.Equal(t, "devices/dev1/modules/mod1/messages/events/", c.ModuleToCloud("dev1", "mod1"))
	assert.Equal(t, "devices/dev1/messages/devicebound/", c.CloudToDevice("dev1"))
	assert.Equal(t, "devices/dev1/modules/mod1/inputs/", c.ModuleInputs("dev1", "mod1"))
}

func TestTopicCodecWithWildcard(t *testing.T) {
	t.Parallel()

	var c TopicCodec
	assert.Equal(t, "devices/dev1/messages/devicebound/#", c.WithWildcard(c.CloudToDevice("dev1")))
	assert.Equal(t, "$iothub/twin/res/#", c.WithWildcard(c.TwinResponseSub()))
}

func TestTopicCodecEncodeDecodePropertiesRoundTrip(t *testing.T) {
	t.Parallel()

	var c TopicCodec
	creation := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &common.Message{
		ContentType:   "application/json",
		MessageID:     "m1",
		CorrelationID: "c1",
		CreationTime:  creation,
		Properties:    map[string]string{"batch": "1"},
	}

	topic := c.EncodeProperties(c.DeviceToCloud("dev1"), msg)
	assert.Contains(t, topic, "devices/dev1/messages/events/")
	assert.Contains(t, topic, "%24.ct=") // $.ct, URL-encoded

	decoded := &common.Message{}
	userProps, err := c.DecodeProperties(topic, decoded)
	require.NoError(t, err)

	assert.Equal(t, "application/json", decoded.ContentType)
	assert.Equal(t, "m1", decoded.MessageID)
	assert.Equal(t, "c1", decoded.CorrelationID)
	assert.True(t, creation.Equal(decoded.CreationTime))
	assert.Equal(t, "1", userProps["batch"])
}

func TestTopicCodecEncodePropertiesSecurityMessage(t *testing.T) {
	t.Parallel()

	var c TopicCodec
	msg := &common.Message{IsSecurityMessage: true}
	topic := c.EncodeProperties(c.DeviceToCloud("dev1"), msg)

	decoded := &common.Message{}
	_, err := c.DecodeProperties(topic, decoded)
	require.NoError(t, err)
	assert.True(t, decoded.IsSecurityMessage)
	assert.Equal(t, common.SecurityMessageInterfaceID, decoded.InterfaceID)
}

func TestTopicCodecParseDirectMethodTopic(t *testing.T) {
	t.Parallel()

	var c TopicCodec
	method, rid, err := c.ParseDirectMethodTopic("$iothub/methods/POST/reboot/?$rid=42")
	require.NoError(t, err)
	assert.Equal(t, "reboot", method)
	assert.Equal(t, "42", rid)

	_, _, err = c.ParseDirectMethodTopic("$iothub/methods/POST/reboot")
	assert.Error(t, err)
}

func TestTopicCodecParseInputName(t *testing.T) {
	t.Parallel()

	var c TopicCodec
	input, ok := c.ParseInputName("devices/dev1/modules/mod1/inputs/input1")
	require.True(t, ok)
	assert.Equal(t, "input1", input)

	_, ok = c.ParseInputName("devices/dev1/messages/devicebound/")
	assert.False(t, ok)
}

func TestTopicCodecParseTwinResponseTopic(t *testing.T) {
	t.Parallel()

	var c TopicCodec
	status, rid, version, err := c.ParseTwinResponseTopic(
		"$iothub/twin/res/204/?$rid=5e81f1f0-0c1b-4f0a-9c2d-123456789abc&$version=7")
	require.NoError(t, err)
	assert.Equal(t, 204, status)
	assert.Equal(t, "5e81f1f0-0c1b-4f0a-9c2d-123456789abc", rid)
	assert.Equal(t, 7, version)

	_, _, _, err = c.ParseTwinResponseTopic("not-a-twin-response")
	assert.Error(t, err)
}

func TestTopicCodecMethodResponse(t *testing.T) {
	t.Parallel()

	var c TopicCodec
	assert.Equal(t, "$iothub/methods/res/200/?$rid=7", c.MethodResponse(200, "7"))
}
