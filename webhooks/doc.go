// Package webhooks adapts storefront push notifications to the entitlement
// service.
//
// A delivery body is {"signedPayload": "<jws>"}. The handler hands the
// payload to the service and maps the outcome to a status code: accepted
// and already processed deliveries answer 200, verification failures 400,
// business rejections 4xx and everything else 500 so the storefront retries.
package webhooks
