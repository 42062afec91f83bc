package core

import "strings"

const (
	NotificationSubscribed             = "SUBSCRIBED"
	NotificationInitialBuy             = "INITIAL_BUY"
	NotificationInteractiveRenewal     = "INTERACTIVE_RENEWAL"
	NotificationDidRenew               = "DID_RENEW"
	NotificationDidRecover             = "DID_RECOVER"
	NotificationDidFailToRenew         = "DID_FAIL_TO_RENEW"
	NotificationExpired                = "EXPIRED"
	NotificationGracePeriodExpired     = "GRACE_PERIOD_EXPIRED"
	NotificationDidChangeRenewalStatus = "DID_CHANGE_RENEWAL_STATUS"
	NotificationCancel                 = "CANCEL"
	NotificationRefund                 = "REFUND"
	NotificationRevoke                 = "REVOKE"
	NotificationOneTimeCharge          = "ONE_TIME_CHARGE"
	NotificationConsumptionRequest     = "CONSUMPTION_REQUEST"
	NotificationTest                   = "TEST"

	NotificationSubtypeAutoRenewDisabled = "AUTO_RENEW_DISABLED"
)

// EventKindForNotification maps a storefront notification type and subtype
// onto one trigger kind. Anything not listed is acknowledged and ignored.
func EventKindForNotification(notificationType, subtype string) EventKind {
	notificationType = strings.ToUpper(strings.TrimSpace(notificationType))
	subtype = strings.ToUpper(strings.TrimSpace(subtype))

	switch notificationType {
	case NotificationSubscribed, NotificationInitialBuy, NotificationInteractiveRenewal:
		return EventPurchase
	case NotificationDidRenew, NotificationDidRecover:
		return EventRenewal
	case NotificationExpired, NotificationDidFailToRenew, NotificationGracePeriodExpired:
		return EventExpire
	case NotificationCancel:
		return EventCancel
	case NotificationDidChangeRenewalStatus:
		if subtype == NotificationSubtypeAutoRenewDisabled {
			return EventCancel
		}
		return EventIgnored
	case NotificationRefund, NotificationRevoke:
		return EventRefund
	case NotificationOneTimeCharge:
		return EventConsumable
	default:
		return EventIgnored
	}
}

// EventFromNotification builds the trigger for a verified notification.
// Granting notification types only say that a grant happened; which grant
// is decided by GrantKindForTransaction so both entry points agree.
func EventFromNotification(payload NotificationPayload, product Product) Event {
	kind := EventKindForNotification(payload.NotificationType, payload.Subtype)
	event := Event{
		Kind:             kind,
		NotificationID:   strings.TrimSpace(payload.NotificationUUID),
		NotificationType: strings.ToUpper(strings.TrimSpace(payload.NotificationType)),
		Subtype:          strings.ToUpper(strings.TrimSpace(payload.Subtype)),
		Environment:      payload.Data.Environment,
	}
	info := payload.Data.TransactionInfo
	if info != nil {
		fillEventFromTransaction(&event, *info)
		if event.Environment == "" {
			event.Environment = info.Environment
		}
	}
	switch kind {
	case EventPurchase, EventRenewal:
		if info != nil {
			event.Kind = GrantKindForTransaction(*info, product)
		} else if product.Kind == ProductKindConsumable {
			event.Kind = EventConsumable
		}
	case EventExpire, EventCancel:
		if product.Kind == ProductKindConsumable {
			event.Kind = EventIgnored
		}
	}
	return event
}

// GrantKindForTransaction classifies a granting transaction from its
// verified fields alone. The first transaction of a lineage is the purchase
// and carries the signup bonus; every later one is a renewal.
func GrantKindForTransaction(info TransactionInfo, product Product) EventKind {
	switch {
	case product.Kind == ProductKindConsumable:
		return EventConsumable
	case strings.TrimSpace(info.TransactionID) == info.lineage():
		return EventPurchase
	default:
		return EventRenewal
	}
}

// EventFromTransaction builds the trigger for a transaction looked up on
// behalf of a client. Revoked transactions are refunds.
func EventFromTransaction(info TransactionInfo, product Product) Event {
	event := Event{Environment: info.Environment}
	fillEventFromTransaction(&event, info)

	if info.Revoked() {
		event.Kind = EventRefund
		return event
	}
	event.Kind = GrantKindForTransaction(info, product)
	return event
}

func fillEventFromTransaction(event *Event, info TransactionInfo) {
	event.TransactionID = strings.TrimSpace(info.TransactionID)
	event.OriginalTransactionID = info.lineage()
	event.ProductID = strings.TrimSpace(info.ProductID)
	event.BindingToken = strings.TrimSpace(info.AppAccountToken)
	event.Quantity = info.Quantity
	event.PurchasedAt = info.PurchasedAt()
	event.ExpiresAt = info.ExpiresAt()
}
