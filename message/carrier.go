package message

// Literal values every carrier must carry. Anything else is a schema mismatch.
//
// The marker file layout is
//
//	{ pack: { description: { text, hover_event: { id, count, action,
//	    components: { "minecraft:custom_data": <envelope> } } }, pack_format } }
//
// with keys matched exactly.
const (
	CarrierText   = ""
	CarrierItemID = "minecraft:map"
	CarrierCount  = 1
	CarrierAction = "show_item"

	// CustomDataKey is the item component holding the envelope.
	CustomDataKey = "minecraft:custom_data"
)
