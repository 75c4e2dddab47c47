// Package sms sends text messages to customers through Twilio.
package sms
