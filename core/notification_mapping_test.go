package core

import (
	"testing"
	"time"
)

func TestGrantKindIsSharedByNotificationAndLookup(t *testing.T) {
	monthly := testProducts[0]
	pack := testProducts[2]
	expires := testNow.Add(30 * 24 * time.Hour)

	cases := []struct {
		name    string
		info    TransactionInfo
		product Product
		types   []string
		want    EventKind
	}{
		{
			name:    "first transaction of a lineage",
			info:    subscriptionTx("1000", "1000", "sub.monthly", "token-a", expires),
			product: monthly,
			types:   []string{NotificationSubscribed, NotificationDidRenew, NotificationInteractiveRenewal},
			want:    EventPurchase,
		},
		{
			name:    "later transaction of a lineage",
			info:    subscriptionTx("2000", "1000", "sub.monthly", "token-a", expires),
			product: monthly,
			types:   []string{NotificationSubscribed, NotificationDidRenew, NotificationInteractiveRenewal, NotificationDidRecover},
			want:    EventRenewal,
		},
		{
			name:    "missing original id",
			info:    subscriptionTx("3000", "", "sub.monthly", "token-a", expires),
			product: monthly,
			types:   []string{NotificationDidRenew},
			want:    EventPurchase,
		},
		{
			name:    "consumable",
			info:    subscriptionTx("4000", "4000", "credits.pack", "token-a", expires),
			product: pack,
			types:   []string{NotificationOneTimeCharge, NotificationSubscribed},
			want:    EventConsumable,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := GrantKindForTransaction(tc.info, tc.product); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
			if got := EventFromTransaction(tc.info, tc.product).Kind; got != tc.want {
				t.Fatalf("lookup path: expected %s, got %s", tc.want, got)
			}
			for _, notificationType := range tc.types {
				event := EventFromNotification(notification("n-"+notificationType, notificationType, "", tc.info), tc.product)
				if event.Kind != tc.want {
					t.Fatalf("%s: expected %s, got %s", notificationType, tc.want, event.Kind)
				}
			}
		})
	}
}

func TestEventFromNotificationKeepsNonGrantKinds(t *testing.T) {
	info := subscriptionTx("2000", "1000", "sub.monthly", "token-a", testNow.Add(time.Hour))
	cases := map[string]EventKind{
		NotificationExpired:                EventExpire,
		NotificationCancel:                 EventCancel,
		NotificationRefund:                 EventRefund,
		NotificationConsumptionRequest:     EventIgnored,
		NotificationDidChangeRenewalStatus: EventIgnored,
	}
	for notificationType, want := range cases {
		event := EventFromNotification(notification("n-1", notificationType, "", info), testProducts[0])
		if event.Kind != want {
			t.Fatalf("%s: expected %s, got %s", notificationType, want, event.Kind)
		}
	}
}
