package extraction

import "fmt"

const systemPrompt = `You extract structured data from Portuguese invoices, receipts and expense documents (faturas, faturas-recibo, recibos, talões).
Respond with a single JSON object and nothing else.`

const fieldInstructions = `Return these keys, using null when a value is not present in the document:
- vendor: issuing company name
- vendor_tax_id: issuer NIF/NIPC exactly as printed
- vendor_address
- customer_name, customer_tax_id
- invoice_number
- invoice_date, due_date: as printed
- currency: ISO code, default EUR
- subtotal, total_amount, vat_amount: numbers, total_amount includes VAT
- vat_rate: percentage number (6, 13 or 23 in mainland Portugal)
- category: expense category in Portuguese when evident
- description: one short sentence about what was purchased
- document_type
- line_items: array of {description, quantity, unit_price, total, vat_rate}
- confidence: number between 0 and 1 for the overall extraction
- issues: array of strings describing illegible or ambiguous parts`

func userPrompt(filename string) string {
	return fmt.Sprintf("Document file name: %s\n\n%s", filename, fieldInstructions)
}

func textPrompt(filename, text string) string {
	return fmt.Sprintf("%s\n\nThe document text was extracted from a PDF and follows between the markers.\n<<<DOCUMENT\n%s\nDOCUMENT>>>", userPrompt(filename), text)
}
