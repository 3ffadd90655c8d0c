package clubledger

import "strings"

// MaskUserID shortens a user reference for log output. Only a short
// prefix survives; the rest is replaced so identifiers never appear in
// logs verbatim.
func MaskUserID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + strings.Repeat("*", len(id)-4)
}

// MaskPhone keeps the country code and the last two digits.
func MaskPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < 5 {
		return "***"
	}
	return phone[:2] + "******" + phone[len(phone)-2:]
}

// MaskEmail keeps the first character of the local part and the domain.
func MaskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "***"
	}
	return email[:1] + "***" + email[at:]
}

// MaskCard keeps only the last four digits of a card fragment.
func MaskCard(fragment string) string {
	if len(fragment) <= 4 {
		return "****"
	}
	return "**** " + fragment[len(fragment)-4:]
}
