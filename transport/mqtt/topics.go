package mqtt

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/edgeforge/iothub/common"
)

// wireISO8601 is the exact round-trip timestamp format used on the wire for
// date-valued system properties.
const wireISO8601 = "2006-01-02T15:04:05.000Z"

// systemPropertyWireNames maps common.Message system-property field names to
// the server-recognised wire keys used in topic query strings.
var systemPropertyWireNames = map[string]string{
	"ContentType":            "$.ct",
	"ContentEncoding":        "$.ce",
	"MessageID":              "$.mid",
	"CorrelationID":          "$.cid",
	"UserID":                 "$.uid",
	"ExpiryTime":             "$.exp",
	"CreationTime":           "iothub-creation-time-utc",
	"To":                     "$.to",
	"OutputName":             "$.on",
	"InterfaceID":            "$.ifid",
	"DiagID":                 "$.diagid",
	"DiagCorrelationContext": "$.diagctx",
}

var wireNameToSystemProperty = func() map[string]string {
	m := make(map[string]string, len(systemPropertyWireNames))
	for k, v := range systemPropertyWireNames {
		m[v] = k
	}
	return m
}()

// TopicCodec forms and parses the MQTT topic templates and encodes/decodes
// the key=value property segment appended to device-to-cloud and
// cloud-to-device topics.
//
// Grounded on transport/mqtt/mqtt.go's parseCloudToDeviceTopic/
// parseDirectMethodTopic/parseTwinPropsTopic/PublishEvent, filled out with
// the full property table and the net/url-based parsing style from
// other_examples/bluesea251610e-iothub__mqtt.go.
type TopicCodec struct{}

// DeviceToCloud forms the device→cloud telemetry topic.
func (TopicCodec) DeviceToCloud(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

// ModuleToCloud forms the module→cloud telemetry topic.
func (TopicCodec) ModuleToCloud(deviceID, moduleID string) string {
	return "devices/" + deviceID + "/modules/" + moduleID + "/messages/events/"
}

// CloudToDevice forms the cloud→device subscription topic, without the
// trailing wildcard.
func (TopicCodec) CloudToDevice(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/"
}

// ModuleInputs forms the Edge module-input subscription topic, without the
// trailing wildcard.
func (TopicCodec) ModuleInputs(deviceID, moduleID string) string {
	return "devices/" + deviceID + "/modules/" + moduleID + "/inputs/"
}

// TwinGet forms the twin-get request topic for rid.
func (TopicCodec) TwinGet(rid string) string {
	return "$iothub/twin/GET/?$rid=" + rid
}

// TwinReportedPatch forms the reported-properties patch topic for rid.
func (TopicCodec) TwinReportedPatch(rid string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + rid
}

// TwinDesiredPush is the subscription topic (without wildcard) for desired
// property pushes.
func (TopicCodec) TwinDesiredPush() string {
	return "$iothub/twin/PATCH/properties/desired/"
}

// TwinResponseSub is the subscription topic (without wildcard) for twin responses.
func (TopicCodec) TwinResponseSub() string {
	return "$iothub/twin/res/"
}

// MethodRequestSub is the subscription topic (without wildcard) for direct methods.
func (TopicCodec) MethodRequestSub() string {
	return "$iothub/methods/POST/"
}

// MethodResponse forms the direct-method response topic.
func (TopicCodec) MethodResponse(status int, rid string) string {
	return fmt.Sprintf("$iothub/methods/res/%d/?$rid=%s", status, rid)
}

// WithWildcard appends the multi-level wildcard marker exactly once.
func (TopicCodec) WithWildcard(topic string) string {
	if !strings.HasSuffix(topic, "/") {
		topic += "/"
	}
	return topic + "#"
}

// EncodeProperties merges a message's system properties (first) and user
// properties (last-write-wins on collision) into a single URL-encoded
// key=value segment appended to base, with a trailing "/" inserted if base
// doesn't already end with one.
func (TopicCodec) EncodeProperties(base string, msg *common.Message) string {
	v := url.Values{}

	put := func(field, value string) {
		if value == "" {
			return
		}
		if wire, ok := systemPropertyWireNames[field]; ok {
			v.Set(wire, value)
		}
	}
	put("ContentType", msg.ContentType)
	put("ContentEncoding", msg.ContentEncoding)
	put("MessageID", msg.MessageID)
	put("CorrelationID", msg.CorrelationID)
	put("UserID", msg.UserID)
	if !msg.ExpiryTime.IsZero() {
		v.Set(systemPropertyWireNames["ExpiryTime"], msg.ExpiryTime.UTC().Format(wireISO8601))
	}
	if !msg.CreationTime.IsZero() {
		v.Set(systemPropertyWireNames["CreationTime"], msg.CreationTime.UTC().Format(wireISO8601))
	}
	put("To", msg.To)
	put("OutputName", msg.OutputName)
	interfaceID := msg.InterfaceID
	if msg.IsSecurityMessage {
		interfaceID = common.SecurityMessageInterfaceID
	}
	put("InterfaceID", interfaceID)
	put("DiagID", msg.DiagID)
	put("DiagCorrelationContext", msg.DiagCorrelationContext)

	for k, val := range msg.Properties {
		v.Set(k, val)
	}

	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if len(v) == 0 {
		return base
	}
	return base + v.Encode()
}

// DecodeProperties parses the property segment of a device-bound or
// module-input topic back into system properties (applied to msg) and user
// properties (returned separately, since common.Message.Properties is the
// caller's to populate).
func (TopicCodec) DecodeProperties(topic string, msg *common.Message) (userProps map[string]string, err error) {
	q, err := url.QueryUnescape(topic)
	if err != nil {
		return nil, err
	}

	i := strings.Index(q, "$.")
	if i == -1 {
		// No system properties present; still attempt unprefixed user
		// properties after the topic path, e.g. a bare "?k=v".
		if j := strings.IndexByte(q, '?'); j != -1 {
			i = j + 1
		} else {
			return map[string]string{}, nil
		}
	}

	values, err := url.ParseQuery(q[i:])
	if err != nil {
		return nil, err
	}

	userProps = make(map[string]string, len(values))
	for k, vs := range values {
		if len(vs) != 1 {
			return nil, fmt.Errorf("mqtt: unexpected number of values for property %q", k)
		}
		val := vs[0]
		if field, ok := wireNameToSystemProperty[k]; ok {
			setSystemProperty(msg, field, val)
			continue
		}
		userProps[k] = val
	}
	return userProps, nil
}

func setSystemProperty(msg *common.Message, field, val string) {
	switch field {
	case "ContentType":
		msg.ContentType = val
	case "ContentEncoding":
		msg.ContentEncoding = val
	case "MessageID":
		msg.MessageID = val
	case "CorrelationID":
		msg.CorrelationID = val
	case "UserID":
		msg.UserID = val
	case "ExpiryTime":
		if t, err := time.Parse(wireISO8601, val); err == nil {
			msg.ExpiryTime = t
		}
	case "CreationTime":
		if t, err := time.Parse(wireISO8601, val); err == nil {
			msg.CreationTime = t
		}
	case "To":
		msg.To = val
	case "OutputName":
		msg.OutputName = val
	case "InterfaceID":
		msg.InterfaceID = val
		if val == common.SecurityMessageInterfaceID {
			msg.IsSecurityMessage = true
		}
	case "DiagID":
		msg.DiagID = val
	case "DiagCorrelationContext":
		msg.DiagCorrelationContext = val
	}
}

// ParseDirectMethodTopic returns the method name and request-id from a
// "$iothub/methods/POST/{method}/?$rid={rid}" topic.
func (TopicCodec) ParseDirectMethodTopic(s string) (method, rid string, err error) {
	ss := strings.Split(s, "/")
	if len(ss) != 5 {
		return "", "", fmt.Errorf("mqtt: malformed direct-method topic %q", s)
	}
	if !strings.HasPrefix(ss[4], "?$rid=") {
		return "", "", fmt.Errorf("mqtt: malformed direct-method topic %q", s)
	}
	return ss[3], ss[4][len("?$rid="):], nil
}

// ParseInputName extracts the module-input name from a topic with ≥6 path
// segments, e.g. "devices/d/modules/m/inputs/{input}/...". ok is false if
// the topic is too short to carry one.
func (TopicCodec) ParseInputName(s string) (input string, ok bool) {
	ss := strings.Split(s, "/")
	if len(ss) < 6 {
		return "", false
	}
	seg := ss[5]
	if i := strings.IndexByte(seg, '?'); i != -1 {
		seg = seg[:i]
	}
	return seg, true
}

var twinResponseRegexp = regexp.MustCompile(
	`\$iothub/twin/res/(\d+)/\?\$rid=([^&]+)(?:&\$version=(\d+))?`,
)

// ParseTwinResponseTopic extracts status, request-id, and (for 204 patch
// responses) version from a "$iothub/twin/res/{status}/?$rid={rid}&$version={v}" topic.
func (TopicCodec) ParseTwinResponseTopic(s string) (status int, rid string, version int, err error) {
	m := twinResponseRegexp.FindStringSubmatch(s)
	if m == nil {
		return 0, "", 0, fmt.Errorf("mqtt: malformed twin response topic %q", s)
	}
	status, _ = strconv.Atoi(m[1])
	version, _ = strconv.Atoi(m[3])
	return status, m[2], version, nil
}
