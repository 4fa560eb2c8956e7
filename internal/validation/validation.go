// Package validation содержит функции валидации входных данных заказа.
package validation

import (
	"net/mail"
	"strings"
	"unicode"
)

// IsValidEmail проверяет, что строка является корректным адресом электронной почты.
func IsValidEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email
}

// IsValidPhone проверяет номер телефона: цифры, пробелы и разделители,
// ведущий плюс допустим, минимум пять цифр.
func IsValidPhone(phone string) bool {
	if phone == "" {
		return false
	}

	digits := 0
	for i, ch := range phone {
		switch {
		case unicode.IsDigit(ch):
			digits++
		case ch == '+' && i == 0:
		case ch == ' ' || ch == '-' || ch == '(' || ch == ')':
		default:
			return false
		}
	}

	return digits >= 5
}

// IsValidName проверяет, что имя покупателя непустое после обрезки пробелов.
func IsValidName(name string) bool {
	return strings.TrimSpace(name) != ""
}
