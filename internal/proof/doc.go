// Package proof screens uploaded payment screenshots before staff review.
//
// Validate runs a fixed pipeline: a size guard, compression, grayscale
// conversion, text recognition, keyword scoring and secondary matching of the
// account number, recipient name and amount. Only the size guard and the
// keyword score can reject; the secondary checks add warnings for staff and
// never block an order. The caller keeps and stores the original upload, the
// preprocessed images exist only for recognition.
package proof
