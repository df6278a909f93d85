package receipt

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"
)

func newTestTransaction(id, receiptID string, total string, createdAt time.Time) *Transaction {
	return &Transaction{
		ID:              id,
		ReceiptID:       receiptID,
		ItemName:        "Item " + id,
		Quantity:        1,
		TotalPrice:      decimal.RequireFromString(total),
		Category:        "Pantry",
		ConfidenceScore: 0.9,
		CreatedAt:       createdAt,
	}
}

var _ = Describe("BoltDB", func() {
	var (
		tmpDir string
		dbPath string
		db     *BoltDB
		base   time.Time
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		dbPath = filepath.Join(tmpDir, "test.db")
		base = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
		var err error
		db, err = NewBoltDB(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if db != nil {
			db.Close()
		}
	})

	Describe("SaveReceipt", func() {
		var (
			receipt *Receipt
			err     error
		)

		BeforeEach(func() {
			receipt = &Receipt{
				ID:              "test-id",
				Filename:        "test-id_receipt.jpg",
				ContentType:     "image/jpeg",
				StoreName:       "FreshMart",
				TotalAmount:     decimal.NewNullDecimal(decimal.RequireFromString("245.50")),
				TransactionDate: "15/01/2024",
				Status:          StatusProcessed,
				CreatedAt:       base,
				UpdatedAt:       base,
			}
		})

		JustBeforeEach(func() {
			err = db.SaveReceipt(receipt)
		})

		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("should round trip money and status", func() {
			saved, getErr := db.GetReceipt("test-id")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.StoreName).To(Equal("FreshMart"))
			Expect(saved.TotalAmount.Valid).To(BeTrue())
			Expect(saved.TotalAmount.Decimal.Equal(decimal.RequireFromString("245.5"))).To(BeTrue())
			Expect(saved.Status).To(Equal(StatusProcessed))
		})

		When("the total is unknown", func() {
			BeforeEach(func() {
				receipt.TotalAmount = decimal.NullDecimal{}
			})

			It("should keep it null", func() {
				saved, getErr := db.GetReceipt("test-id")
				Expect(getErr).NotTo(HaveOccurred())
				Expect(saved.TotalAmount.Valid).To(BeFalse())
			})
		})
	})

	Describe("GetReceipt", func() {
		When("receipt does not exist", func() {
			It("should wrap ErrNotFound", func() {
				_, err := db.GetReceipt("missing")
				Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
			})
		})
	})

	Describe("ListReceipts", func() {
		When("there are no receipts", func() {
			It("should return an empty slice", func() {
				receipts, err := db.ListReceipts()
				Expect(err).NotTo(HaveOccurred())
				Expect(receipts).NotTo(BeNil())
				Expect(receipts).To(BeEmpty())
			})
		})

		When("there are several receipts", func() {
			BeforeEach(func() {
				Expect(db.SaveReceipt(&Receipt{ID: "a", CreatedAt: base})).To(Succeed())
				Expect(db.SaveReceipt(&Receipt{ID: "b", CreatedAt: base.Add(2 * time.Hour)})).To(Succeed())
				Expect(db.SaveReceipt(&Receipt{ID: "c", CreatedAt: base.Add(time.Hour)})).To(Succeed())
			})

			It("should return them newest first", func() {
				receipts, err := db.ListReceipts()
				Expect(err).NotTo(HaveOccurred())
				ids := make([]string, 0, len(receipts))
				for _, r := range receipts {
					ids = append(ids, r.ID)
				}
				Expect(ids).To(Equal([]string{"b", "c", "a"}))
			})
		})
	})

	Describe("DeleteReceipt", func() {
		It("should remove an existing receipt", func() {
			Expect(db.SaveReceipt(&Receipt{ID: "gone"})).To(Succeed())
			Expect(db.DeleteReceipt("gone")).To(Succeed())
			_, err := db.GetReceipt("gone")
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		It("should report a missing receipt", func() {
			Expect(errors.Is(db.DeleteReceipt("missing"), ErrNotFound)).To(BeTrue())
		})
	})

	Describe("transactions", func() {
		BeforeEach(func() {
			Expect(db.SaveTransactions("r1", []*Transaction{
				newTestTransaction("t2", "r1", "20", base.Add(time.Minute)),
				newTestTransaction("t1", "r1", "10.50", base),
			})).To(Succeed())
			// a receipt id that shares a prefix must not leak into r1
			Expect(db.SaveTransactions("r10", []*Transaction{
				newTestTransaction("t3", "r10", "5", base),
			})).To(Succeed())
		})

		It("should list a receipt's transactions oldest first", func() {
			transactions, err := db.ListTransactions("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(transactions).To(HaveLen(2))
			Expect(transactions[0].ID).To(Equal("t1"))
			Expect(transactions[0].TotalPrice.String()).To(Equal("10.5"))
			Expect(transactions[1].ID).To(Equal("t2"))
		})

		It("should list every transaction", func() {
			transactions, err := db.ListAllTransactions()
			Expect(err).NotTo(HaveOccurred())
			Expect(transactions).To(HaveLen(3))
		})

		It("should replace the set on save", func() {
			Expect(db.SaveTransactions("r1", []*Transaction{
				newTestTransaction("t9", "r1", "99", base),
			})).To(Succeed())
			transactions, err := db.ListTransactions("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(transactions).To(HaveLen(1))
			Expect(transactions[0].ID).To(Equal("t9"))
		})

		It("should reject a transaction for another receipt", func() {
			err := db.SaveTransactions("r1", []*Transaction{newTestTransaction("tx", "r2", "1", base)})
			Expect(err).To(HaveOccurred())
			transactions, listErr := db.ListTransactions("r1")
			Expect(listErr).NotTo(HaveOccurred())
			Expect(transactions).To(HaveLen(2))
		})

		It("should delete only the receipt's transactions", func() {
			Expect(db.DeleteTransactions("r1")).To(Succeed())
			remaining, err := db.ListAllTransactions()
			Expect(err).NotTo(HaveOccurred())
			Expect(remaining).To(HaveLen(1))
			Expect(remaining[0].ReceiptID).To(Equal("r10"))
		})

		It("should return an empty slice for an unknown receipt", func() {
			transactions, err := db.ListTransactions("nope")
			Expect(err).NotTo(HaveOccurred())
			Expect(transactions).NotTo(BeNil())
			Expect(transactions).To(BeEmpty())
		})
	})

	Describe("transaction order", func() {
		It("should keep saved order when timestamps are equal", func() {
			ids := []string{"f3a1", "07bc", "c9d2", "0001", "ffee", "5a5a"}
			transactions := make([]*Transaction, 0, len(ids))
			for _, id := range ids {
				transactions = append(transactions, newTestTransaction(id, "r1", "1", base))
			}
			Expect(db.SaveTransactions("r1", transactions)).To(Succeed())

			listed, err := db.ListTransactions("r1")
			Expect(err).NotTo(HaveOccurred())
			got := make([]string, 0, len(listed))
			for i, t := range listed {
				got = append(got, t.ID)
				Expect(t.Position).To(Equal(i))
			}
			Expect(got).To(Equal(ids))

			all, err := db.ListAllTransactions()
			Expect(err).NotTo(HaveOccurred())
			Expect(all[0].ID).To(Equal("f3a1"))
			Expect(all[5].ID).To(Equal("5a5a"))
		})

		It("should order past the ninth item", func() {
			transactions := make([]*Transaction, 0, 11)
			for i := range 11 {
				transactions = append(transactions, newTestTransaction(fmt.Sprintf("z%d", 10-i), "r1", "1", base))
			}
			Expect(db.SaveTransactions("r1", transactions)).To(Succeed())
			listed, err := db.ListTransactions("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(listed[0].ID).To(Equal("z10"))
			Expect(listed[10].ID).To(Equal("z0"))
		})
	})

	Describe("SaveProcessedReceipt", func() {
		var receipt *Receipt

		BeforeEach(func() {
			receipt = &Receipt{ID: "r1", Status: StatusPending, CreatedAt: base}
			Expect(db.SaveReceipt(receipt)).To(Succeed())
			Expect(db.SaveTransactions("r1", []*Transaction{newTestTransaction("old", "r1", "3", base)})).To(Succeed())
		})

		It("should write the receipt and replace its transactions", func() {
			processed := *receipt
			processed.Status = StatusProcessed
			processed.StoreName = "FreshMart"
			Expect(db.SaveProcessedReceipt(&processed, []*Transaction{
				newTestTransaction("a", "r1", "1", base),
				newTestTransaction("b", "r1", "2", base),
			})).To(Succeed())

			saved, err := db.GetReceipt("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(StatusProcessed))
			Expect(saved.StoreName).To(Equal("FreshMart"))
			transactions, err := db.ListTransactions("r1")
			Expect(err).NotTo(HaveOccurred())
			Expect(transactions).To(HaveLen(2))
			Expect(transactions[0].ID).To(Equal("a"))
		})

		It("should change nothing when a transaction is rejected", func() {
			processed := *receipt
			processed.Status = StatusProcessed
			err := db.SaveProcessedReceipt(&processed, []*Transaction{
				newTestTransaction("a", "r1", "1", base),
				newTestTransaction("stray", "r2", "2", base),
			})
			Expect(err).To(HaveOccurred())

			saved, getErr := db.GetReceipt("r1")
			Expect(getErr).NotTo(HaveOccurred())
			Expect(saved.Status).To(Equal(StatusPending))
			transactions, listErr := db.ListTransactions("r1")
			Expect(listErr).NotTo(HaveOccurred())
			Expect(transactions).To(HaveLen(1))
			Expect(transactions[0].ID).To(Equal("old"))
		})
	})

	Describe("settings", func() {
		It("should report missing settings", func() {
			_, err := db.GetSettings()
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		It("should round trip settings", func() {
			Expect(db.SaveSettings(&Settings{Name: "Asha", AIProvider: "gemini", APIKey: "key", UpdatedAt: base})).To(Succeed())
			settings, err := db.GetSettings()
			Expect(err).NotTo(HaveOccurred())
			Expect(settings.Name).To(Equal("Asha"))
			Expect(settings.AIProvider).To(Equal("gemini"))
			Expect(settings.APIKey).To(Equal("key"))
		})
	})

	Describe("reopening", func() {
		It("should keep data across restarts", func() {
			Expect(db.SaveReceipt(&Receipt{ID: "persisted"})).To(Succeed())
			Expect(db.Close()).To(Succeed())

			var err error
			db, err = NewBoltDB(dbPath)
			Expect(err).NotTo(HaveOccurred())
			_, err = db.GetReceipt("persisted")
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
