// Package myfs implements an encrypted single-file container. A volume
// packs any number of files into one AES-GCM-sealed archive on disk,
// keyed by a master password; individual files can additionally carry
// their own password. The key-derivation salts and verification hashes
// live in a separate metadata companion file, typically kept on
// removable media, so both files are required to open the volume.
//
// A volume file is three regions: an encrypted header, an encrypted
// file table, and the packed ciphertexts of the stored files. Every
// mutation rewrites the whole volume through an atomic temp-and-rename
// replacement, so a crash at any point leaves the previous state
// intact.
//
// # Quick Start
//
// Create a volume and store a file:
//
//	v, err := myfs.Create("vault.myfs", "vault.meta", []byte("master password"))
//	if err != nil {
//	    return err
//	}
//	defer v.Close()
//
//	_, err = v.Import("notes.txt", content, nil)
//
// Open it later and read the file back:
//
//	v, err := myfs.Open("vault.myfs", "vault.meta", []byte("master password"))
//	if err != nil {
//	    return err
//	}
//	defer v.Close()
//
//	content, err := v.Export("notes.txt")
//
// # File Passwords
//
// Passing a password to [Volume.Import] seals that file under its own
// key; the master password alone cannot read it:
//
//	_, err = v.Import("secrets.env", content, []byte("file password"))
//	content, err = v.Export("secrets.env", myfs.ExportWithPassword([]byte("file password")))
//
// # Deletion
//
// [Volume.Delete] only marks a file deleted; [Volume.Recover] undoes
// it, and [Volume.Purge] reclaims the space for good.
package myfs
