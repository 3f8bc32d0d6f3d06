package automation

import "strings"

// Event is the view of a contact event the trigger matcher needs. The
// scanner maps store rows into this to keep the matching rules testable
// without a database.
type Event struct {
	Type       string
	CampaignID string
	Meta       map[string]any
}

func (e Event) metaString(key string) string {
	if e.Meta == nil {
		return ""
	}
	s, _ := e.Meta[key].(string)
	return s
}

// requiredEventType maps each trigger kind to the event type it fires on.
var requiredEventType = map[string]string{
	TriggerFormSubmitted:     "form_submitted",
	TriggerEmailOpen:         "email_open",
	TriggerLinkClick:         "link_click",
	TriggerTagAdded:          "tag_added",
	TriggerTagRemoved:        "tag_removed",
	TriggerListJoined:        "list_joined",
	TriggerListLeft:          "list_left",
	TriggerPageVisited:       "page_visited",
	TriggerPurchase:          "purchase",
	TriggerPurchaseUpgraded:  "purchase_upgraded",
	TriggerPurchaseCancelled: "purchase_cancelled",
}

// MatchTrigger reports whether a trigger step fires for the given event.
// Non-trigger steps never match.
func MatchTrigger(step *Step, ev Event) bool {
	if step == nil || step.Type != StepTrigger {
		return false
	}
	want, known := requiredEventType[step.Config.Kind]
	if !known || ev.Type != want {
		return false
	}

	cfg := &step.Config
	switch cfg.Kind {
	case TriggerFormSubmitted:
		form := cfg.String("form")
		if form == "" {
			return true
		}
		return form == ev.metaString("form") || form == ev.metaString("formName")

	case TriggerEmailOpen:
		cid := cfg.String("campaignId")
		return cid == "" || cid == ev.CampaignID

	case TriggerLinkClick:
		if cid := cfg.String("campaignId"); cid != "" && cid != ev.CampaignID {
			return false
		}
		if frag := cfg.String("urlContains"); frag != "" {
			return containsFold(ev.metaString("url"), frag)
		}
		return true

	case TriggerTagAdded, TriggerTagRemoved:
		tag := cfg.String("tag")
		return tag == "" || containsFold(ev.metaString("tag"), tag)

	case TriggerListJoined, TriggerListLeft:
		list := cfg.String("list")
		return list == "" || containsFold(ev.metaString("list"), list)

	case TriggerPageVisited:
		frag := cfg.String("urlContains")
		return frag == "" || containsFold(ev.metaString("url"), frag)

	case TriggerPurchase, TriggerPurchaseUpgraded, TriggerPurchaseCancelled:
		return true
	}
	return false
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
