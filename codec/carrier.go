package codec

import "datapack-rpc/message"

// DefaultPackFormat is the pack_format written by Wrap.
const DefaultPackFormat = 71

// Wrap nests envelope inside the carrier layout Validate expects. envelope is encoded
// as-is, so callers may pass a map to produce deliberately malformed carriers.
func Wrap(envelope any, packFormat int) ([]byte, error) {
	doc := map[string]any{
		"pack": map[string]any{
			"description": map[string]any{
				"text": message.CarrierText,
				"hover_event": map[string]any{
					"id":     message.CarrierItemID,
					"count":  message.CarrierCount,
					"action": message.CarrierAction,
					"components": map[string]any{
						message.CustomDataKey: envelope,
					},
				},
			},
			"pack_format": packFormat,
		},
	}
	return GetCodec(CodecTypeJSON).Encode(doc)
}
