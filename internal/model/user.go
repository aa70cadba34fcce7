package model

import "time"

// User represents an application user record as stored in the `users`
// table.  The json tags are omitted because these structs are used by the
// repository layer; handlers define separate response types.  Role is
// either CUSTOMER (earns and redeems Loops) or MERCHANT (records
// transactions for their store).
//
// Fields:
//  ID           – primary key identifier of the user.
//  Email        – unique email address.
//  PasswordHash – bcrypt hashed password.
//  Role         – CUSTOMER or MERCHANT.
//  IsActive     – whether the account is active.
//  CreatedAt    – timestamp of creation.
//  UpdatedAt    – timestamp of last update.
type User struct {
	ID           uint64    // users.id
	Email        string    // users.email
	PasswordHash string    // users.password_hash
	Role         string    // users.role
	IsActive     bool      // users.is_active
	CreatedAt    time.Time // users.created_at
	UpdatedAt    time.Time // users.updated_at
}

// Balance is a user's durable Loop balance, mutated only by idempotent
// settlement credits and (outside this core) redemptions.
//
// Fields:
//  UserID    – owner of the balance.
//  Loops     – current settled Loop amount.
//  UpdatedAt – timestamp of last credit.
type Balance struct {
	UserID    uint64    // balances.user_id
	Loops     int64     // balances.loops
	UpdatedAt time.Time // balances.updated_at
}
