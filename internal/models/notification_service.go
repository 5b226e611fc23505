package models

// BillingNotifier delivers billing alerts. Delivery is asynchronous and best effort.
type BillingNotifier interface {
	SendBillingAlert(alert *BillingAlert)
}
